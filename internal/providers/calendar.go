package providers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// CalendarProvider exposes the new-event trigger backed by a Calendar
// push channel. The push notification carries no event payload, so the
// trigger re-queries for the latest created event on delivery.
type CalendarProvider struct {
	api    GoogleAPI
	logger *logrus.Logger
}

func NewCalendarProvider(api GoogleAPI, logger *logrus.Logger) *CalendarProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &CalendarProvider{api: api, logger: logger}
}

func (p *CalendarProvider) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Name:        "calendar",
		DisplayName: "Google Calendar",
		Description: "Calendar service for event triggers and reactions",
		Category:    "productivity",
		AuthType:    "oauth2",
		Actions: []ActionDescriptor{
			{
				ID:          "calendar_new_event",
				Name:        "New Event Created",
				Description: "Triggered when an event is created on a calendar",
				Fields: []FieldSpec{
					{Name: "calendarId", Type: "string", Description: "Calendar to watch (default: primary)"},
				},
			},
		},
		Reactions: []ActionDescriptor{
			{
				ID:          "calendar_create_event",
				Name:        "Create Event",
				Description: "Create a new calendar event",
				Fields: []FieldSpec{
					{Name: "summary", Type: "string", Required: true},
					{Name: "description", Type: "string"},
					{Name: "startTime", Type: "string", Required: true},
					{Name: "endTime", Type: "string", Required: true},
					{Name: "calendarId", Type: "string"},
				},
			},
		},
	}
}

func (p *CalendarProvider) CheckPermissions(ctx context.Context, creds Credentials) error {
	if _, err := p.api.Profile(ctx, creds); err != nil {
		if _, ok := err.(*PermissionError); ok {
			return err
		}
		return &PermissionError{Service: "calendar", Err: err}
	}
	return nil
}

func (p *CalendarProvider) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	calendarID := calendarOrPrimary(req.Trigger.Params)
	sub, err := p.api.WatchCalendar(ctx, req.Credentials, calendarID, req.ChannelID, req.CallbackURL)
	if err != nil {
		return nil, &ChannelSetupError{Service: "calendar", Err: err}
	}
	p.logger.WithFields(logrus.Fields{
		"calendar_id": calendarID,
		"channel_id":  req.ChannelID,
	}).Info("calendar watch started")
	return sub, nil
}

func (p *CalendarProvider) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	return p.api.StopChannel(ctx, req.Credentials, req.ChannelID, req.RemoteID)
}

func (p *CalendarProvider) Action(name string) (ActionHandler, bool) {
	if name != "calendar_new_event" {
		return nil, false
	}
	return p.latestEvent, true
}

func (p *CalendarProvider) latestEvent(ctx context.Context, creds Credentials, params map[string]string) (*PolledItem, error) {
	since := time.Now().Add(-time.Minute)
	return p.api.LatestCalendarEvent(ctx, creds, calendarOrPrimary(params), since)
}

func (p *CalendarProvider) Reaction(name string) (ReactionHandler, bool) {
	if name != "calendar_create_event" {
		return nil, false
	}
	return p.createEvent, true
}

func (p *CalendarProvider) createEvent(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error) {
	return p.api.CreateCalendarEvent(ctx, creds, calendarOrPrimary(params),
		params["summary"], params["description"], params["startTime"], params["endTime"])
}

func calendarOrPrimary(params map[string]string) string {
	if id := params["calendarId"]; id != "" {
		return id
	}
	return "primary"
}
