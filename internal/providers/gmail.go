package providers

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// GmailProvider exposes the inbox trigger and mail reactions. Gmail only
// pushes a generic "mailbox changed" Pub/Sub notification, so its trigger
// is a pull-on-notify action: the engine re-queries for the latest
// message when a notification arrives.
type GmailProvider struct {
	api    GoogleAPI
	topic  string
	logger *logrus.Logger
}

func NewGmailProvider(api GoogleAPI, topic string, logger *logrus.Logger) *GmailProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &GmailProvider{api: api, topic: topic, logger: logger}
}

func (p *GmailProvider) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Name:        "gmail",
		DisplayName: "Gmail",
		Description: "Gmail service for email triggers and reactions",
		Category:    "communication",
		AuthType:    "oauth2",
		Actions: []ActionDescriptor{
			{
				ID:          "gmail_new_email",
				Name:        "New Email Received",
				Description: "Triggered when a new email arrives in the inbox",
				Fields: []FieldSpec{
					{Name: "fromEmail", Type: "string", Description: "Only match emails from this sender"},
				},
			},
		},
		Reactions: []ActionDescriptor{
			{
				ID:          "gmail_send_email",
				Name:        "Send Email",
				Description: "Send an email from the connected account",
				Fields: []FieldSpec{
					{Name: "to", Type: "string", Required: true},
					{Name: "subject", Type: "string", Required: true},
					{Name: "body", Type: "string", Required: true},
				},
			},
			{
				ID:          "gmail_archive_email",
				Name:        "Archive Email",
				Description: "Archive an email, by default the one that triggered the automation",
				Fields: []FieldSpec{
					{Name: "messageId", Type: "string", Description: "Message to archive (default: triggering email)"},
				},
			},
			{
				ID:          "gmail_mark_as_read",
				Name:        "Mark As Read",
				Description: "Mark an email as read, by default the one that triggered the automation",
				Fields: []FieldSpec{
					{Name: "messageId", Type: "string", Description: "Message to mark (default: triggering email)"},
				},
			},
		},
	}
}

func (p *GmailProvider) CheckPermissions(ctx context.Context, creds Credentials) error {
	if _, err := p.api.Profile(ctx, creds); err != nil {
		if _, ok := err.(*PermissionError); ok {
			return err
		}
		return &PermissionError{Service: "gmail", Err: err}
	}
	return nil
}

func (p *GmailProvider) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	sub, err := p.api.WatchGmail(ctx, req.Credentials, p.topic)
	if err != nil {
		return nil, &ChannelSetupError{Service: "gmail", Err: err}
	}
	p.logger.WithField("history_id", sub.RemoteID).Info("gmail watch started")
	return sub, nil
}

func (p *GmailProvider) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	return p.api.StopGmail(ctx, req.Credentials)
}

func (p *GmailProvider) Action(name string) (ActionHandler, bool) {
	if name != "gmail_new_email" {
		return nil, false
	}
	return p.latestEmail, true
}

func (p *GmailProvider) latestEmail(ctx context.Context, creds Credentials, params map[string]string) (*PolledItem, error) {
	item, err := p.api.LatestMessage(ctx, creds, "newer_than:1d in:inbox")
	if err != nil || item == nil {
		return nil, err
	}
	// Sender sub-filter: a mismatch is a silent miss.
	if want := params["fromEmail"]; want != "" && !strings.Contains(item.Result["from"], want) {
		return nil, nil
	}
	return item, nil
}

func (p *GmailProvider) Reaction(name string) (ReactionHandler, bool) {
	switch name {
	case "gmail_send_email":
		return p.sendEmail, true
	case "gmail_archive_email":
		return p.archiveEmail, true
	case "gmail_mark_as_read":
		return p.markAsRead, true
	default:
		return nil, false
	}
}

func (p *GmailProvider) sendEmail(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	return p.api.SendMessage(ctx, creds, params["to"], params["subject"], params["body"])
}

func (p *GmailProvider) archiveEmail(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	id, err := targetMessageID(params, result)
	if err != nil {
		return nil, err
	}
	return p.api.ModifyMessage(ctx, creds, id, []string{"INBOX"})
}

func (p *GmailProvider) markAsRead(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	id, err := targetMessageID(params, result)
	if err != nil {
		return nil, err
	}
	return p.api.ModifyMessage(ctx, creds, id, []string{"UNREAD"})
}

// targetMessageID resolves the message a mailbox reaction acts on: an
// explicit param wins, otherwise the triggering email from the result.
func targetMessageID(params map[string]string, result ActionResult) (string, error) {
	if id := params["messageId"]; id != "" {
		return id, nil
	}
	if id := result["messageId"]; id != "" {
		return id, nil
	}
	return "", &ValidationError{Service: "gmail", Reason: "no message id in params or trigger result"}
}
