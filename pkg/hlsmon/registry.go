package hlsmon

import (
	"sync"

	"github.com/rs/zerolog"
)

// StartRequest is the start-monitor command payload.
type StartRequest struct {
	PlayerURL   string `json:"playerUrl"`
	SourceType  string `json:"sourceType,omitempty"`
	LiveType    string `json:"liveType,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

// Registry owns all monitoring sessions, keyed by client identity.
// At most one live session per key; operations on the same key are
// serialized by the mutex so a disconnect racing a stop cannot
// double-free.
type Registry struct {
	mu       sync.Mutex
	monitors map[string]*StreamMonitor

	fetcher *Fetcher
	cfg     MonitorConfig
	logger  zerolog.Logger
}

func NewRegistry(fetcher *Fetcher, cfg MonitorConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		monitors: make(map[string]*StreamMonitor),
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start creates and registers a session for the key and launches the
// master fetch in the session's own goroutine. A live session under the
// same key is rejected; a stopped leftover is replaced.
func (r *Registry) Start(key string, req StartRequest, emitter Emitter) (*StreamMonitor, error) {
	r.mu.Lock()
	if existing, ok := r.monitors[key]; ok && existing.State() != StateStopped {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	m := NewStreamMonitor(key, req.PlayerURL, req.ChannelName, emitter, r.fetcher, r.cfg, r.logger)
	m.onStop = r.remove
	r.monitors[key] = m
	ActiveSessions.Set(float64(len(r.monitors)))
	r.mu.Unlock()

	r.logger.Info().Str("key", key).Str("url", req.PlayerURL).Msg("Starting monitor")
	go func() {
		if err := m.Start(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Master fetch failed")
		}
	}()
	return m, nil
}

// SelectProfile forwards a selection to the key's session.
func (r *Registry) SelectProfile(key, uri string) error {
	m := r.get(key)
	if m == nil {
		return ErrNoActiveSession
	}
	return m.SelectProfile(uri)
}

// SwitchProfile forwards a profile switch to the key's session.
func (r *Registry) SwitchProfile(key, profileURL string) error {
	m := r.get(key)
	if m == nil {
		return ErrNoActiveSession
	}
	return m.SwitchProfile(profileURL)
}

// Stop terminates the key's session if there is one. Idempotent:
// stopping a missing session is a no-op. Reports whether a session
// was actually stopped.
func (r *Registry) Stop(key string) bool {
	m := r.get(key)
	if m == nil {
		return false
	}
	m.Stop()
	return true
}

// Disconnect behaves like Stop, called when the client channel closes.
func (r *Registry) Disconnect(key string) {
	r.Stop(key)
}

// Monitor returns the key's session, nil when none is registered.
func (r *Registry) Monitor(key string) *StreamMonitor {
	return r.get(key)
}

// ActiveCount returns the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// ActiveIDs returns the keys of all registered sessions.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) get(key string) *StreamMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitors[key]
}

// remove drops a stopped session, but only if it still owns its slot:
// a replacement registered under the same key must not be evicted.
func (r *Registry) remove(m *StreamMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.monitors[m.id]; ok && cur == m {
		delete(r.monitors, m.id)
	}
	ActiveSessions.Set(float64(len(r.monitors)))
}
