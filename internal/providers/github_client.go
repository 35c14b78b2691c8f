package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GitHubAPI is the thin boundary to the GitHub REST API. Only the calls
// the engine needs are declared so tests can fake them.
type GitHubAPI interface {
	AuthenticatedUser(ctx context.Context, creds Credentials) (string, error)
	CreateHook(ctx context.Context, creds Credentials, owner, repo, callbackURL, secret string, events []string) (string, error)
	DeleteHook(ctx context.Context, creds Credentials, owner, repo, hookID string) error
	CreateIssue(ctx context.Context, creds Credentials, owner, repo, title, body string, labels []string) (ActionResult, error)
	CreateComment(ctx context.Context, creds Credentials, owner, repo string, issueNumber int, body string) (ActionResult, error)
	AddLabels(ctx context.Context, creds Credentials, owner, repo string, issueNumber int, labels []string) (ActionResult, error)
}

// GitHubClient is the default HTTP implementation of GitHubAPI.
type GitHubClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewGitHubClient(baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GitHubClient) AuthenticatedUser(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		Login string `json:"login"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/user", nil, &out); err != nil {
		return "", err
	}
	return out.Login, nil
}

func (c *GitHubClient) CreateHook(ctx context.Context, creds Credentials, owner, repo, callbackURL, secret string, events []string) (string, error) {
	payload := map[string]interface{}{
		"config": map[string]string{
			"url":          callbackURL,
			"content_type": "json",
			"secret":       secret,
		},
		"events": events,
	}
	var out struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/hooks", owner, repo)
	if err := c.do(ctx, creds, http.MethodPost, path, payload, &out); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", out.ID), nil
}

func (c *GitHubClient) DeleteHook(ctx context.Context, creds Credentials, owner, repo, hookID string) error {
	path := fmt.Sprintf("/repos/%s/%s/hooks/%s", owner, repo, hookID)
	return c.do(ctx, creds, http.MethodDelete, path, nil, nil)
}

func (c *GitHubClient) CreateIssue(ctx context.Context, creds Credentials, owner, repo, title, body string, labels []string) (ActionResult, error) {
	payload := map[string]interface{}{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if err := c.do(ctx, creds, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return ActionResult{"issueNumber": fmt.Sprintf("%d", out.Number), "url": out.HTMLURL}, nil
}

func (c *GitHubClient) CreateComment(ctx context.Context, creds Credentials, owner, repo string, issueNumber int, body string) (ActionResult, error) {
	var out struct {
		ID      int64  `json:"id"`
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, issueNumber)
	if err := c.do(ctx, creds, http.MethodPost, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return ActionResult{"commentId": fmt.Sprintf("%d", out.ID), "url": out.HTMLURL}, nil
}

func (c *GitHubClient) AddLabels(ctx context.Context, creds Credentials, owner, repo string, issueNumber int, labels []string) (ActionResult, error) {
	var out []struct {
		Name string `json:"name"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, issueNumber)
	if err := c.do(ctx, creds, http.MethodPost, path, map[string][]string{"labels": labels}, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out))
	for _, l := range out {
		names = append(names, l.Name)
	}
	return ActionResult{"labels": joinComma(names)}, nil
}

func (c *GitHubClient) do(ctx context.Context, creds Credentials, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("User-Agent", "area-app/v1.0.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &PermissionError{Service: "github", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("github API error [%d]: %s", resp.StatusCode, string(raw))
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func joinComma(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
