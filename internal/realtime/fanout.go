package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Fanout delivers one event to many session keys. Each key is handed to
// its session's outbound buffer in the order Notify was called, and Notify
// never waits on the network. Delivery is best-effort: a missing session is
// skipped, a full buffer drops that session only, nothing is retried.
type Fanout struct {
	registry *Registry
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewFanout(registry *Registry, log zerolog.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		log:      log.With().Str("component", "fanout").Logger(),
	}
}

// Notify serializes ev once and queues it for every distinct key.
func (f *Fanout) Notify(ev Event, keys ...string) {
	if len(keys) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		f.log.Error().Err(err).Str("type", ev.Type).Msg("marshal event")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup || key == "" {
			continue
		}
		seen[key] = struct{}{}

		if _, err := f.registry.Send(key, payload); err != nil {
			f.log.Warn().Err(err).Str("key", key).Str("type", ev.Type).Msg("event not delivered")
		}
	}
}

// Close stops accepting events. Frames already queued on sessions are
// written until the sessions close.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
