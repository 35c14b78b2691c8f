package providers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DriveProvider exposes the file-change trigger backed by a Drive
// changes channel, re-querying for the latest modified file on delivery.
type DriveProvider struct {
	api    GoogleAPI
	logger *logrus.Logger
}

func NewDriveProvider(api GoogleAPI, logger *logrus.Logger) *DriveProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &DriveProvider{api: api, logger: logger}
}

func (p *DriveProvider) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Name:        "drive",
		DisplayName: "Google Drive",
		Description: "Drive service for file triggers and reactions",
		Category:    "storage",
		AuthType:    "oauth2",
		Actions: []ActionDescriptor{
			{
				ID:          "drive_file_changed",
				Name:        "File Created Or Modified",
				Description: "Triggered when a file is created or modified in Drive",
				Fields:      []FieldSpec{},
			},
		},
		Reactions: []ActionDescriptor{
			{
				ID:          "drive_share_file",
				Name:        "Share File",
				Description: "Share the triggering file with an email address",
				Fields: []FieldSpec{
					{Name: "email", Type: "string", Required: true},
					{Name: "role", Type: "string", Enum: []string{"reader", "commenter", "writer"}},
				},
			},
		},
	}
}

func (p *DriveProvider) CheckPermissions(ctx context.Context, creds Credentials) error {
	if _, err := p.api.Profile(ctx, creds); err != nil {
		if _, ok := err.(*PermissionError); ok {
			return err
		}
		return &PermissionError{Service: "drive", Err: err}
	}
	return nil
}

func (p *DriveProvider) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	sub, err := p.api.WatchDrive(ctx, req.Credentials, req.ChannelID, req.CallbackURL)
	if err != nil {
		return nil, &ChannelSetupError{Service: "drive", Err: err}
	}
	p.logger.WithField("channel_id", req.ChannelID).Info("drive watch started")
	return sub, nil
}

func (p *DriveProvider) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	return p.api.StopChannel(ctx, req.Credentials, req.ChannelID, req.RemoteID)
}

func (p *DriveProvider) Action(name string) (ActionHandler, bool) {
	if name != "drive_file_changed" {
		return nil, false
	}
	return p.latestChange, true
}

func (p *DriveProvider) latestChange(ctx context.Context, creds Credentials, params map[string]string) (*PolledItem, error) {
	return p.api.LatestDriveChange(ctx, creds, time.Now().Add(-time.Minute))
}

func (p *DriveProvider) Reaction(name string) (ReactionHandler, bool) {
	if name != "drive_share_file" {
		return nil, false
	}
	return p.shareFile, true
}

func (p *DriveProvider) shareFile(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	fileID := params["fileId"]
	if fileID == "" {
		fileID = result["fileId"]
	}
	return p.api.ShareFile(ctx, creds, fileID, params["email"], params["role"])
}
