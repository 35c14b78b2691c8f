package metrics

import (
	"sync"
	"sync/atomic"
)

// engineStats holds counters for the event pipeline. Kept simple and
// thread-safe for use from handlers, the executor and exposition.
type engineStats struct {
	webhooksReceived uint64
	webhooksDropped  uint64
	dedupHits        uint64

	mu          sync.Mutex
	reactionsBy map[string]uint64
	droppedBy   map[string]uint64
}

var stats engineStats

// IncWebhookReceived counts one inbound provider delivery.
func IncWebhookReceived() {
	atomic.AddUint64(&stats.webhooksReceived, 1)
}

// IncWebhookDropped counts a delivery rejected before processing.
// Reason is e.g. "bad_signature", "missing_headers", "unknown_channel".
func IncWebhookDropped(reason string) {
	atomic.AddUint64(&stats.webhooksDropped, 1)
	stats.mu.Lock()
	if stats.droppedBy == nil {
		stats.droppedBy = make(map[string]uint64)
	}
	stats.droppedBy[reason]++
	stats.mu.Unlock()
}

// IncDedupHit counts a delivery acknowledged as a duplicate no-op.
func IncDedupHit() {
	atomic.AddUint64(&stats.dedupHits, 1)
}

// IncReaction counts one reaction attempt by status ("success"/"error").
func IncReaction(status string) {
	stats.mu.Lock()
	if stats.reactionsBy == nil {
		stats.reactionsBy = make(map[string]uint64)
	}
	stats.reactionsBy[status]++
	stats.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func Snapshot() map[string]interface{} {
	received := atomic.LoadUint64(&stats.webhooksReceived)
	dropped := atomic.LoadUint64(&stats.webhooksDropped)
	dedup := atomic.LoadUint64(&stats.dedupHits)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	reactions := make(map[string]uint64, len(stats.reactionsBy))
	for k, v := range stats.reactionsBy {
		reactions[k] = v
	}
	droppedBy := make(map[string]uint64, len(stats.droppedBy))
	for k, v := range stats.droppedBy {
		droppedBy[k] = v
	}
	return map[string]interface{}{
		"webhooks_received":   received,
		"webhooks_dropped":    dropped,
		"webhooks_dropped_by": droppedBy,
		"dedup_hits":          dedup,
		"reactions":           reactions,
	}
}

// Reset zeroes all counters. Test helper.
func Reset() {
	atomic.StoreUint64(&stats.webhooksReceived, 0)
	atomic.StoreUint64(&stats.webhooksDropped, 0)
	atomic.StoreUint64(&stats.dedupHits, 0)
	stats.mu.Lock()
	stats.reactionsBy = nil
	stats.droppedBy = nil
	stats.mu.Unlock()
}
