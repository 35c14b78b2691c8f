package providers

import (
	"context"
	"time"
)

// ActionResult is the normalized, flat payload describing one triggering
// event instance. Keys are provider-specific but values are always plain
// strings so reaction parameters can be filled by exact-key substitution.
type ActionResult map[string]string

// Credentials carries a user's stored connection for one provider.
// The engine reads these; it never creates or refreshes them itself.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// FieldSpec declares one parameter of an action or reaction.
type FieldSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// ActionDescriptor declares one action or reaction and its field schema.
type ActionDescriptor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Fields      []FieldSpec `json:"fields"`
}

// ServiceDescriptor is the immutable catalog entry for one provider.
type ServiceDescriptor struct {
	Name        string             `json:"name"`
	DisplayName string             `json:"display_name"`
	Description string             `json:"description"`
	Category    string             `json:"category"`
	AuthType    string             `json:"auth_type"`
	Actions     []ActionDescriptor `json:"actions"`
	Reactions   []ActionDescriptor `json:"reactions"`
}

// Spec identifies a trigger or reaction: which provider, which action,
// and the user-supplied parameters.
type Spec struct {
	Service string            `json:"service"`
	Action  string            `json:"action"`
	Params  map[string]string `json:"params"`
}

// PushEvent is one inbound provider delivery after HTTP decoding.
type PushEvent struct {
	Service    string
	Type       string // provider event type header, e.g. "push", "issues"
	DeliveryID string
	Payload    map[string]interface{}
}

// PolledItem is the single most recent qualifying item returned by a
// pull-style action handler, or nil when nothing qualifies.
type PolledItem struct {
	ID        string
	CreatedAt time.Time
	Result    ActionResult
}

// SubscribeRequest asks a provider to open a push channel for a trigger.
type SubscribeRequest struct {
	ChannelID   string
	CallbackURL string
	Secret      string
	Credentials Credentials
	Trigger     Spec
}

// Subscription is the provider's answer to a subscribe call. A zero
// Expiration means the remote subscription does not expire.
type Subscription struct {
	RemoteID   string
	ResourceID string
	Expiration time.Time
}

// UnsubscribeRequest tears down a previously opened channel.
type UnsubscribeRequest struct {
	ChannelID   string
	RemoteID    string
	ResourceID  string
	Credentials Credentials
	Params      map[string]string
}

// ActionHandler re-queries the provider for the latest qualifying item.
type ActionHandler func(ctx context.Context, creds Credentials, params map[string]string) (*PolledItem, error)

// ReactionHandler performs one reaction with already-interpolated params.
type ReactionHandler func(ctx context.Context, creds Credentials, params map[string]string, result ActionResult) (ActionResult, error)

// Provider is the fixed capability set every registered service exposes.
type Provider interface {
	Descriptor() ServiceDescriptor
	CheckPermissions(ctx context.Context, creds Credentials) error
	Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error)
	Unsubscribe(ctx context.Context, req UnsubscribeRequest) error
	Action(name string) (ActionHandler, bool)
	Reaction(name string) (ReactionHandler, bool)
}

// EventMatcher is implemented by providers whose triggers carry enough
// payload to be matched and normalized without a re-query.
type EventMatcher interface {
	MatchEvent(trigger Spec, evt PushEvent) (ActionResult, bool)
}
