package providers

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

var repositoryPattern = regexp.MustCompile(`^[^/\s]+/[^/\s]+$`)

// Registry is the directory of provider adapters, keyed by canonical
// service name. All engine components resolve capabilities through it.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its canonical name. Registering the
// same name twice replaces the earlier adapter.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Descriptor().Name] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// List returns the catalog of registered service descriptors.
func (r *Registry) List() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Descriptor())
	}
	return out
}

// ValidateTrigger checks a trigger spec against the declared schema of
// its provider action.
func (r *Registry) ValidateTrigger(spec Spec) error {
	p, err := r.Get(spec.Service)
	if err != nil {
		return err
	}
	desc := p.Descriptor()
	return validateSpec(desc.Name, desc.Actions, spec)
}

// ValidateReaction checks a reaction spec against the declared schema of
// its provider reaction.
func (r *Registry) ValidateReaction(spec Spec) error {
	p, err := r.Get(spec.Service)
	if err != nil {
		return err
	}
	desc := p.Descriptor()
	return validateSpec(desc.Name, desc.Reactions, spec)
}

// CheckPermissions delegates a credential probe to the adapter.
func (r *Registry) CheckPermissions(ctx context.Context, service string, creds Credentials) error {
	p, err := r.Get(service)
	if err != nil {
		return err
	}
	return p.CheckPermissions(ctx, creds)
}

// StartSubscription delegates the remote subscribe call to the adapter.
func (r *Registry) StartSubscription(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	p, err := r.Get(req.Trigger.Service)
	if err != nil {
		return nil, err
	}
	return p.Subscribe(ctx, req)
}

// StopSubscription delegates the remote unsubscribe call to the adapter.
func (r *Registry) StopSubscription(ctx context.Context, service string, req UnsubscribeRequest) error {
	p, err := r.Get(service)
	if err != nil {
		return err
	}
	return p.Unsubscribe(ctx, req)
}

func validateSpec(service string, declared []ActionDescriptor, spec Spec) error {
	var desc *ActionDescriptor
	for i := range declared {
		if declared[i].ID == spec.Action {
			desc = &declared[i]
			break
		}
	}
	if desc == nil {
		return &ValidationError{Service: service, Action: spec.Action, Reason: "unknown action"}
	}

	for _, field := range desc.Fields {
		value, present := spec.Params[field.Name]
		if field.Required && (!present || value == "") {
			return &ValidationError{
				Service: service,
				Action:  spec.Action,
				Reason:  fmt.Sprintf("missing required field: %s", field.Name),
			}
		}
		if !present || value == "" {
			continue
		}
		if len(field.Enum) > 0 && !contains(field.Enum, value) {
			return &ValidationError{
				Service: service,
				Action:  spec.Action,
				Reason:  fmt.Sprintf("field %s must be one of %v", field.Name, field.Enum),
			}
		}
		if field.Name == "repository" && !repositoryPattern.MatchString(value) {
			return &ValidationError{
				Service: service,
				Action:  spec.Action,
				Reason:  "invalid repository format, must be owner/repo",
			}
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
