package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GoogleAPI is the thin boundary to the Gmail, Calendar and Drive REST
// APIs. The engine only sees subscriptions, latest-item queries and the
// handful of reaction calls.
type GoogleAPI interface {
	Profile(ctx context.Context, creds Credentials) (string, error)

	WatchGmail(ctx context.Context, creds Credentials, topic string) (*Subscription, error)
	StopGmail(ctx context.Context, creds Credentials) error
	LatestMessage(ctx context.Context, creds Credentials, query string) (*PolledItem, error)
	SendMessage(ctx context.Context, creds Credentials, to, subject, body string) (ActionResult, error)
	ModifyMessage(ctx context.Context, creds Credentials, messageID string, removeLabels []string) (ActionResult, error)

	WatchCalendar(ctx context.Context, creds Credentials, calendarID, channelID, callbackURL string) (*Subscription, error)
	StopChannel(ctx context.Context, creds Credentials, channelID, resourceID string) error
	LatestCalendarEvent(ctx context.Context, creds Credentials, calendarID string, since time.Time) (*PolledItem, error)
	CreateCalendarEvent(ctx context.Context, creds Credentials, calendarID, summary, description, startTime, endTime string) (ActionResult, error)

	WatchDrive(ctx context.Context, creds Credentials, channelID, callbackURL string) (*Subscription, error)
	LatestDriveChange(ctx context.Context, creds Credentials, since time.Time) (*PolledItem, error)
	ShareFile(ctx context.Context, creds Credentials, fileID, email, role string) (ActionResult, error)
}

// GoogleClient is the default HTTP implementation of GoogleAPI.
type GoogleClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewGoogleClient(baseURL string) *GoogleClient {
	if baseURL == "" {
		baseURL = "https://www.googleapis.com"
	}
	return &GoogleClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GoogleClient) Profile(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/gmail/v1/users/me/profile", nil, &out); err != nil {
		return "", err
	}
	return out.EmailAddress, nil
}

func (c *GoogleClient) WatchGmail(ctx context.Context, creds Credentials, topic string) (*Subscription, error) {
	payload := map[string]interface{}{
		"labelIds":          []string{"INBOX"},
		"topicName":         topic,
		"labelFilterAction": "include",
	}
	var out struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"`
	}
	if err := c.do(ctx, creds, http.MethodPost, "/gmail/v1/users/me/watch", payload, &out); err != nil {
		return nil, err
	}
	return &Subscription{
		RemoteID:   out.HistoryID,
		ResourceID: "inbox",
		Expiration: millisToTime(out.Expiration),
	}, nil
}

func (c *GoogleClient) StopGmail(ctx context.Context, creds Credentials) error {
	return c.do(ctx, creds, http.MethodPost, "/gmail/v1/users/me/stop", struct{}{}, nil)
}

func (c *GoogleClient) LatestMessage(ctx context.Context, creds Credentials, query string) (*PolledItem, error) {
	path := "/gmail/v1/users/me/messages?maxResults=5"
	if query != "" {
		path += "&q=" + url.QueryEscape(query)
	}
	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.do(ctx, creds, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Messages) == 0 {
		return nil, nil
	}

	var latest *PolledItem
	for _, ref := range list.Messages {
		var msg struct {
			ID           string `json:"id"`
			ThreadID     string `json:"threadId"`
			Snippet      string `json:"snippet"`
			InternalDate string `json:"internalDate"`
			Payload      struct {
				Headers []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"payload"`
		}
		if err := c.do(ctx, creds, http.MethodGet, "/gmail/v1/users/me/messages/"+ref.ID, nil, &msg); err != nil {
			return nil, err
		}
		result := ActionResult{
			"messageId": msg.ID,
			"threadId":  msg.ThreadID,
			"snippet":   msg.Snippet,
		}
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				result["from"] = h.Value
			case "To":
				result["to"] = h.Value
			case "Subject":
				result["subject"] = h.Value
			}
		}
		item := &PolledItem{ID: msg.ID, CreatedAt: millisToTime(msg.InternalDate), Result: result}
		if latest == nil || item.CreatedAt.After(latest.CreatedAt) {
			latest = item
		}
	}
	return latest, nil
}

func (c *GoogleClient) SendMessage(ctx context.Context, creds Credentials, to, subject, body string) (ActionResult, error) {
	raw := strings.Join([]string{
		"Content-Type: text/html; charset=utf-8",
		"MIME-Version: 1.0",
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	payload := map[string]string{"raw": base64.RawURLEncoding.EncodeToString([]byte(raw))}
	var out struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := c.do(ctx, creds, http.MethodPost, "/gmail/v1/users/me/messages/send", payload, &out); err != nil {
		return nil, err
	}
	return ActionResult{"messageId": out.ID, "threadId": out.ThreadID, "to": to, "subject": subject}, nil
}

func (c *GoogleClient) ModifyMessage(ctx context.Context, creds Credentials, messageID string, removeLabels []string) (ActionResult, error) {
	payload := map[string][]string{"removeLabelIds": removeLabels}
	var out struct {
		ID       string   `json:"id"`
		ThreadID string   `json:"threadId"`
		LabelIDs []string `json:"labelIds"`
	}
	if err := c.do(ctx, creds, http.MethodPost, "/gmail/v1/users/me/messages/"+url.PathEscape(messageID)+"/modify", payload, &out); err != nil {
		return nil, err
	}
	return ActionResult{"messageId": out.ID, "threadId": out.ThreadID}, nil
}

func (c *GoogleClient) WatchCalendar(ctx context.Context, creds Credentials, calendarID, channelID, callbackURL string) (*Subscription, error) {
	payload := map[string]string{"id": channelID, "type": "web_hook", "address": callbackURL}
	var out struct {
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	path := "/calendar/v3/calendars/" + url.PathEscape(calendarID) + "/events/watch"
	if err := c.do(ctx, creds, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &Subscription{
		RemoteID:   out.ResourceID,
		ResourceID: calendarID,
		Expiration: millisToTime(out.Expiration),
	}, nil
}

func (c *GoogleClient) StopChannel(ctx context.Context, creds Credentials, channelID, resourceID string) error {
	payload := map[string]string{"id": channelID, "resourceId": resourceID}
	return c.do(ctx, creds, http.MethodPost, "/calendar/v3/channels/stop", payload, nil)
}

func (c *GoogleClient) LatestCalendarEvent(ctx context.Context, creds Credentials, calendarID string, since time.Time) (*PolledItem, error) {
	query := url.Values{}
	query.Set("timeMin", since.UTC().Format(time.RFC3339))
	query.Set("updatedMin", since.UTC().Format(time.RFC3339))
	query.Set("maxResults", "10")
	query.Set("singleEvents", "true")
	query.Set("orderBy", "updated")

	var out struct {
		Items []struct {
			ID          string `json:"id"`
			Summary     string `json:"summary"`
			Description string `json:"description"`
			HTMLLink    string `json:"htmlLink"`
			Created     string `json:"created"`
			Start       struct {
				DateTime string `json:"dateTime"`
			} `json:"start"`
			End struct {
				DateTime string `json:"dateTime"`
			} `json:"end"`
		} `json:"items"`
	}
	path := "/calendar/v3/calendars/" + url.PathEscape(calendarID) + "/events?" + query.Encode()
	if err := c.do(ctx, creds, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	var latest *PolledItem
	for _, ev := range out.Items {
		created, _ := time.Parse(time.RFC3339, ev.Created)
		item := &PolledItem{
			ID:        ev.ID,
			CreatedAt: created,
			Result: ActionResult{
				"eventId":     ev.ID,
				"summary":     ev.Summary,
				"description": ev.Description,
				"link":        ev.HTMLLink,
				"startTime":   ev.Start.DateTime,
				"endTime":     ev.End.DateTime,
				"calendarId":  calendarID,
			},
		}
		if latest == nil || item.CreatedAt.After(latest.CreatedAt) {
			latest = item
		}
	}
	return latest, nil
}

func (c *GoogleClient) CreateCalendarEvent(ctx context.Context, creds Credentials, calendarID, summary, description, startTime, endTime string) (ActionResult, error) {
	payload := map[string]interface{}{
		"summary":     summary,
		"description": description,
		"start":       map[string]string{"dateTime": startTime},
		"end":         map[string]string{"dateTime": endTime},
	}
	var out struct {
		ID       string `json:"id"`
		HTMLLink string `json:"htmlLink"`
	}
	path := "/calendar/v3/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := c.do(ctx, creds, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return ActionResult{"eventId": out.ID, "link": out.HTMLLink}, nil
}

func (c *GoogleClient) WatchDrive(ctx context.Context, creds Credentials, channelID, callbackURL string) (*Subscription, error) {
	var token struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/drive/v3/changes/startPageToken", nil, &token); err != nil {
		return nil, err
	}
	payload := map[string]string{"id": channelID, "type": "web_hook", "address": callbackURL}
	var out struct {
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	path := "/drive/v3/changes/watch?pageToken=" + url.QueryEscape(token.StartPageToken)
	if err := c.do(ctx, creds, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &Subscription{
		RemoteID:   out.ResourceID,
		ResourceID: "changes",
		Expiration: millisToTime(out.Expiration),
	}, nil
}

func (c *GoogleClient) LatestDriveChange(ctx context.Context, creds Credentials, since time.Time) (*PolledItem, error) {
	query := url.Values{}
	query.Set("q", fmt.Sprintf("modifiedTime > '%s'", since.UTC().Format(time.RFC3339)))
	query.Set("orderBy", "modifiedTime desc")
	query.Set("pageSize", "1")
	query.Set("fields", "files(id,name,mimeType,webViewLink,modifiedTime,lastModifyingUser(displayName))")

	var out struct {
		Files []struct {
			ID                string `json:"id"`
			Name              string `json:"name"`
			MimeType          string `json:"mimeType"`
			WebViewLink       string `json:"webViewLink"`
			ModifiedTime      string `json:"modifiedTime"`
			LastModifyingUser struct {
				DisplayName string `json:"displayName"`
			} `json:"lastModifyingUser"`
		} `json:"files"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/drive/v3/files?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Files) == 0 {
		return nil, nil
	}
	f := out.Files[0]
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return &PolledItem{
		ID:        f.ID,
		CreatedAt: modified,
		Result: ActionResult{
			"fileId":     f.ID,
			"name":       f.Name,
			"mimeType":   f.MimeType,
			"fileLink":   f.WebViewLink,
			"modifiedBy": f.LastModifyingUser.DisplayName,
		},
	}, nil
}

func (c *GoogleClient) ShareFile(ctx context.Context, creds Credentials, fileID, email, role string) (ActionResult, error) {
	if role == "" {
		role = "reader"
	}
	payload := map[string]string{"type": "user", "role": role, "emailAddress": email}
	var out struct {
		ID string `json:"id"`
	}
	path := "/drive/v3/files/" + url.PathEscape(fileID) + "/permissions"
	if err := c.do(ctx, creds, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return ActionResult{"permissionId": out.ID, "sharedWith": email}, nil
}

func (c *GoogleClient) do(ctx context.Context, creds Credentials, method, path string, body, result interface{}) error {
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
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("google request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &PermissionError{Service: "google", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("google API error [%d]: %s", resp.StatusCode, string(raw))
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// millisToTime parses the epoch-millisecond strings Google watch
// responses use for expirations.
func millisToTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
