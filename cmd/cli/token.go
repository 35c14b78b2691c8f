package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"area/internal/config"

	"github.com/spf13/cobra"
)

var (
	flagUserID   int
	flagSubject  string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		secret := cfg.JWT.Secret
		if secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		now := time.Now()
		payload := map[string]interface{}{
			"iat": now.Unix(),
		}
		if flagUserID > 0 {
			payload["user_id"] = flagUserID
			if flagSubject == "" {
				payload["sub"] = fmt.Sprintf("%d", flagUserID)
			}
		}
		if flagSubject != "" {
			payload["sub"] = flagSubject
		}
		if !flagNoExpiry {
			payload["exp"] = now.Add(time.Duration(flagTTLMin) * time.Minute).Unix()
		}
		tok, err := createHS256JWT(payload, secret)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().IntVar(&flagUserID, "user-id", 1, "numeric user id to embed in token")
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "", "subject (sub) claim; defaults to user-id if provided")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token time-to-live in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not include exp claim")
}

// createHS256JWT builds a compact JWT using HS256 with the given payload.
func createHS256JWT(payload map[string]interface{}, secret string) (string, error) {
	header := map[string]string{
		"alg": "HS256",
		"typ": "JWT",
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return strings.Join([]string{headerB64, payloadB64, sig}, "."), nil
}
