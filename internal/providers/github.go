package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// GitHubProvider exposes repository triggers backed by repo webhooks and
// issue/comment/label reactions.
type GitHubProvider struct {
	api    GitHubAPI
	logger *logrus.Logger
}

func NewGitHubProvider(api GitHubAPI, logger *logrus.Logger) *GitHubProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &GitHubProvider{api: api, logger: logger}
}

func (p *GitHubProvider) Descriptor() ServiceDescriptor {
	repositoryField := FieldSpec{
		Name:        "repository",
		Type:        "string",
		Description: "Repository name (format: owner/repo)",
		Required:    true,
	}
	return ServiceDescriptor{
		Name:        "github",
		DisplayName: "GitHub",
		Description: "GitHub service for repository and issue management",
		Category:    "development",
		AuthType:    "oauth2",
		Actions: []ActionDescriptor{
			{
				ID:          "github_new_issue",
				Name:        "New Issue Created",
				Description: "Triggered when a new issue is created in a repository",
				Fields:      []FieldSpec{repositoryField},
			},
			{
				ID:          "github_new_pr",
				Name:        "New Pull Request",
				Description: "Triggered when a new pull request is created",
				Fields:      []FieldSpec{repositoryField},
			},
			{
				ID:          "github_push",
				Name:        "New Push",
				Description: "Triggered when code is pushed to a repository",
				Fields: []FieldSpec{
					repositoryField,
					{Name: "branch", Type: "string", Description: "Branch to watch (all branches when empty)"},
				},
			},
		},
		Reactions: []ActionDescriptor{
			{
				ID:          "github_create_issue",
				Name:        "Create Issue",
				Description: "Create a new issue in a repository",
				Fields: []FieldSpec{
					repositoryField,
					{Name: "title", Type: "string", Required: true},
					{Name: "body", Type: "string", Required: true},
					{Name: "labels", Type: "string", Description: "Comma-separated labels"},
				},
			},
			{
				ID:          "github_create_comment",
				Name:        "Create Comment",
				Description: "Create a comment on an issue or pull request",
				Fields: []FieldSpec{
					repositoryField,
					{Name: "issue_number", Type: "number", Required: true},
					{Name: "body", Type: "string", Required: true},
				},
			},
			{
				ID:          "github_add_labels",
				Name:        "Add Labels",
				Description: "Add labels to an issue or pull request",
				Fields: []FieldSpec{
					repositoryField,
					{Name: "issue_number", Type: "number", Required: true},
					{Name: "labels", Type: "string", Required: true},
				},
			},
		},
	}
}

func (p *GitHubProvider) CheckPermissions(ctx context.Context, creds Credentials) error {
	if _, err := p.api.AuthenticatedUser(ctx, creds); err != nil {
		if _, ok := err.(*PermissionError); ok {
			return err
		}
		return &PermissionError{Service: "github", Err: err}
	}
	return nil
}

func (p *GitHubProvider) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	repository := req.Trigger.Params["repository"]
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, &ChannelSetupError{Service: "github", Err: err}
	}

	hookID, err := p.api.CreateHook(ctx, req.Credentials, owner, repo, req.CallbackURL, req.Secret,
		[]string{"issues", "pull_request", "push"})
	if err != nil {
		return nil, &ChannelSetupError{Service: "github", Err: err}
	}

	p.logger.WithFields(logrus.Fields{
		"repository": repository,
		"hook_id":    hookID,
	}).Info("github webhook created")

	// Repo hooks live until deleted; no expiration to renew.
	return &Subscription{RemoteID: hookID, ResourceID: repository}, nil
}

func (p *GitHubProvider) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	owner, repo, err := splitRepository(req.ResourceID)
	if err != nil {
		return err
	}
	return p.api.DeleteHook(ctx, req.Credentials, owner, repo, req.RemoteID)
}

// Action always misses: all GitHub triggers are push-delivered.
func (p *GitHubProvider) Action(name string) (ActionHandler, bool) {
	return nil, false
}

func (p *GitHubProvider) Reaction(name string) (ReactionHandler, bool) {
	switch name {
	case "github_create_issue":
		return p.createIssue, true
	case "github_create_comment":
		return p.createComment, true
	case "github_add_labels":
		return p.addLabels, true
	default:
		return nil, false
	}
}

// MatchEvent checks an inbound repository event against one trigger and
// normalizes the payload when it matches. A filter mismatch is a silent
// miss, not an error.
func (p *GitHubProvider) MatchEvent(trigger Spec, evt PushEvent) (ActionResult, bool) {
	if want := trigger.Params["repository"]; want != "" &&
		!strings.EqualFold(want, payloadString(evt.Payload, "repository", "full_name")) {
		return nil, false
	}

	switch evt.Type {
	case "issues":
		if trigger.Action != "github_new_issue" || payloadString(evt.Payload, "action") != "opened" {
			return nil, false
		}
		issue, ok := payloadMap(evt.Payload, "issue")
		if !ok {
			return nil, false
		}
		return ActionResult{
			"issueNumber": payloadNumber(issue, "number"),
			"title":       payloadString(issue, "title"),
			"body":        payloadString(issue, "body"),
			"author":      payloadString(issue, "user", "login"),
			"createdAt":   payloadString(issue, "created_at"),
			"url":         payloadString(issue, "html_url"),
			"repository":  payloadString(evt.Payload, "repository", "full_name"),
		}, true

	case "pull_request":
		if trigger.Action != "github_new_pr" || payloadString(evt.Payload, "action") != "opened" {
			return nil, false
		}
		pr, ok := payloadMap(evt.Payload, "pull_request")
		if !ok {
			return nil, false
		}
		return ActionResult{
			"prNumber":   payloadNumber(pr, "number"),
			"title":      payloadString(pr, "title"),
			"body":       payloadString(pr, "body"),
			"author":     payloadString(pr, "user", "login"),
			"branch":     payloadString(pr, "head", "ref"),
			"baseBranch": payloadString(pr, "base", "ref"),
			"createdAt":  payloadString(pr, "created_at"),
			"url":        payloadString(pr, "html_url"),
			"repository": payloadString(evt.Payload, "repository", "full_name"),
		}, true

	case "push":
		if trigger.Action != "github_push" {
			return nil, false
		}
		branch := strings.TrimPrefix(payloadString(evt.Payload, "ref"), "refs/heads/")
		if want := trigger.Params["branch"]; want != "" && want != branch {
			return nil, false
		}
		commits, ok := evt.Payload["commits"].([]interface{})
		if !ok || len(commits) == 0 {
			return nil, false
		}
		head, ok := commits[0].(map[string]interface{})
		if !ok {
			return nil, false
		}
		return ActionResult{
			"sha":         payloadString(head, "id"),
			"message":     payloadString(head, "message"),
			"author":      payloadString(head, "author", "name"),
			"authorEmail": payloadString(head, "author", "email"),
			"date":        payloadString(head, "timestamp"),
			"url":         payloadString(head, "url"),
			"branch":      branch,
			"repository":  payloadString(evt.Payload, "repository", "full_name"),
		}, true
	}
	return nil, false
}

func (p *GitHubProvider) createIssue(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	owner, repo, err := splitRepository(params["repository"])
	if err != nil {
		return nil, err
	}
	var labels []string
	if params["labels"] != "" {
		labels = strings.Split(params["labels"], ",")
	}
	return p.api.CreateIssue(ctx, creds, owner, repo, params["title"], params["body"], labels)
}

func (p *GitHubProvider) createComment(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	owner, repo, err := splitRepository(params["repository"])
	if err != nil {
		return nil, err
	}
	number, err := issueNumber(params, result)
	if err != nil {
		return nil, err
	}
	return p.api.CreateComment(ctx, creds, owner, repo, number, params["body"])
}

func (p *GitHubProvider) addLabels(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	owner, repo, err := splitRepository(params["repository"])
	if err != nil {
		return nil, err
	}
	number, err := issueNumber(params, result)
	if err != nil {
		return nil, err
	}
	return p.api.AddLabels(ctx, creds, owner, repo, number, strings.Split(params["labels"], ","))
}

// issueNumber resolves the target issue from the reaction params, falling
// back to the triggering event's own issue or PR number.
func issueNumber(params map[string]string, result ActionResult) (int, error) {
	raw := params["issue_number"]
	if raw == "" {
		raw = result["issueNumber"]
	}
	if raw == "" {
		raw = result["prNumber"]
	}
	number, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid issue number: %q", raw)
	}
	return number, nil
}

func splitRepository(repository string) (string, string, error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format: %q", repository)
	}
	return parts[0], parts[1], nil
}

func payloadString(m map[string]interface{}, path ...string) string {
	var current interface{} = m
	for _, key := range path {
		node, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current = node[key]
	}
	s, _ := current.(string)
	return s
}

func payloadNumber(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return v
	default:
		return ""
	}
}

func payloadMap(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	node, ok := m[key].(map[string]interface{})
	return node, ok
}
