package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventCache is the bounded-time dedup cache for inbound events.
// Providers re-deliver on slow acks and overlapping channels deliver
// the same event twice; a key seen within the retention horizon is
// dropped as a no-op.
type EventCache struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	retention time.Duration
	sweep     time.Duration
	logger    *logrus.Logger
}

func NewEventCache(retention, sweep time.Duration, logger *logrus.Logger) *EventCache {
	if logger == nil {
		logger = logrus.New()
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	return &EventCache{
		entries:   make(map[string]time.Time),
		retention: retention,
		sweep:     sweep,
		logger:    logger,
	}
}

// PushEventKey builds the dedup key for a push delivery.
func PushEventKey(deliveryID, eventType string, automationID uint) string {
	return fmt.Sprintf("%s:%s:%d", deliveryID, eventType, automationID)
}

// PullEventKey builds the dedup key for a pull-sourced item, scoped per
// automation so independent automations each process the item once.
func PullEventKey(automationID uint, itemID string) string {
	return fmt.Sprintf("%d:%s", automationID, itemID)
}

func (c *EventCache) IsProcessed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Since(seen) > c.retention {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *EventCache) MarkProcessed(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now()
}

func (c *EventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries until the context is cancelled.
func (c *EventCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.sweepExpired()
			if removed > 0 {
				c.logger.Debugf("event cache: swept %d expired entries", removed)
			}
		}
	}
}

func (c *EventCache) sweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-c.retention)
	for key, seen := range c.entries {
		if seen.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
