// Package connection tracks live member sessions.
//
// The Registry maps a member identity to its current session, probes every
// session on a fixed interval and disconnects peers that miss consecutive
// probes. Explicit close and liveness timeout share one cleanup path, which
// fires the offline hook exactly once per session.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the registry.
type Config struct {
	ProbeInterval time.Duration // default 30s
	MaxMissed     int           // consecutive unanswered probes before cleanup (default 2)
	OutboxSize    int           // per-session bounded queue (default 64)
}

// DefaultConfig returns the reference liveness policy.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		MaxMissed:     2,
		OutboxSize:    64,
	}
}

// Session is the transport behind a handle.
type Session interface {
	// Ping issues a liveness probe. The answer arrives via Registry.Heartbeat.
	Ping() error
	Close() error
}

// Cleanup causes.
const (
	CauseClosed     = "closed"
	CauseTimeout    = "timeout"
	CauseProbeError = "probe_error"
	CauseReplaced   = "replaced"
	CauseShutdown   = "shutdown"
)

// ─── Handle ─────────────────────────────────────────────────────────────────

// Handle is one registered session. A new Register for the same identity
// produces a new Handle and retires the old one.
type Handle struct {
	identity string
	gen      uint64
	session  Session
	outbox   chan domain.Message
	done     chan struct{}
	once     sync.Once

	mu           sync.Mutex
	lastSeen     time.Time
	missed       int
	probePending bool
	swarmID      string
}

// Identity returns the member identity bound to this handle.
func (h *Handle) Identity() string { return h.identity }

// Outbox yields messages queued for delivery. The session writer drains it.
func (h *Handle) Outbox() <-chan domain.Message { return h.outbox }

// Done is closed when the handle is cleaned up.
func (h *Handle) Done() <-chan struct{} { return h.done }

// SwarmID returns the swarm this session is bound to.
func (h *Handle) SwarmID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.swarmID
}

// LastSeen returns the time of the last heartbeat.
func (h *Handle) LastSeen() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

func (h *Handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ─── Registry ───────────────────────────────────────────────────────────────

// Registry owns the identity → session map.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Handle
	config  Config
	log     zerolog.Logger
	now     func() time.Time
	nextGen atomic.Uint64

	hookMu    sync.RWMutex
	onOffline func(identity string)
	onOnline  func(identity string)

	// Stats
	totalRegistered atomic.Int64
	totalCleaned    atomic.Int64
	totalSent       atomic.Int64
	totalDropped    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, log zerolog.Logger) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultConfig().MaxMissed
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	return &Registry{
		conns:  make(map[string]*Handle),
		config: cfg,
		log:    log,
		now:    time.Now,
	}
}

// OnOffline sets the hook run once per session cleanup.
func (r *Registry) OnOffline(fn func(identity string)) {
	r.hookMu.Lock()
	r.onOffline = fn
	r.hookMu.Unlock()
}

// OnOnline sets the hook run when an identity registers.
func (r *Registry) OnOnline(fn func(identity string)) {
	r.hookMu.Lock()
	r.onOnline = fn
	r.hookMu.Unlock()
}

// Register binds a session to an identity. A previous session for the same
// identity is closed without running the offline hook.
func (r *Registry) Register(identity string, s Session) (*Handle, error) {
	if identity == "" {
		return nil, domain.ErrMissingIdentity
	}
	h := &Handle{
		identity: identity,
		gen:      r.nextGen.Add(1),
		session:  s,
		outbox:   make(chan domain.Message, r.config.OutboxSize),
		done:     make(chan struct{}),
		lastSeen: r.now(),
	}

	r.mu.Lock()
	prev := r.conns[identity]
	if prev != nil {
		h.swarmID = prev.SwarmID()
	}
	r.conns[identity] = h
	r.mu.Unlock()

	if prev != nil {
		r.retire(prev, CauseReplaced)
	} else {
		metrics.SessionsLive.Inc()
	}
	r.totalRegistered.Add(1)
	r.log.Info().Str("identity", identity).Uint64("gen", h.gen).Msg("session registered")

	r.hookMu.RLock()
	online := r.onOnline
	r.hookMu.RUnlock()
	if online != nil {
		online(identity)
	}
	return h, nil
}

// Heartbeat records a probe answer (or any other sign of life).
func (r *Registry) Heartbeat(identity string) {
	r.mu.RLock()
	h := r.conns[identity]
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	h.lastSeen = r.now()
	h.missed = 0
	h.probePending = false
	h.mu.Unlock()
}

// Unregister closes the identity's current session through the cleanup path.
func (r *Registry) Unregister(identity string) {
	r.mu.RLock()
	h := r.conns[identity]
	r.mu.RUnlock()
	if h != nil {
		r.cleanup(h, CauseClosed)
	}
}

// Close cleans up a specific handle. Closing a handle that has already been
// replaced only releases that handle.
func (r *Registry) Close(h *Handle) {
	r.cleanup(h, CauseClosed)
}

// IsLive reports whether the identity has a registered session.
func (r *Registry) IsLive(identity string) bool {
	r.mu.RLock()
	h := r.conns[identity]
	r.mu.RUnlock()
	return h != nil && !h.closed()
}

// Bind associates the identity's session with a swarm.
func (r *Registry) Bind(identity, swarmID string) {
	r.mu.RLock()
	h := r.conns[identity]
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	h.swarmID = swarmID
	h.mu.Unlock()
}

// Send queues a message for the identity without blocking. It reports
// whether the message was queued; drops are logged and counted.
func (r *Registry) Send(identity string, msg domain.Message) bool {
	r.mu.RLock()
	h := r.conns[identity]
	r.mu.RUnlock()
	if h == nil || h.closed() {
		r.drop(identity, msg, "offline")
		return false
	}
	select {
	case h.outbox <- msg:
		r.totalSent.Add(1)
		metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
		return true
	default:
		r.drop(identity, msg, "outbox_full")
		return false
	}
}

func (r *Registry) drop(identity string, msg domain.Message, reason string) {
	r.totalDropped.Add(1)
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	r.log.Debug().Str("identity", identity).Str("type", string(msg.Type)).
		Str("reason", reason).Msg("message dropped")
}

// Identities returns the identities with live sessions.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// ─── Liveness ───────────────────────────────────────────────────────────────

// Run probes all sessions every ProbeInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one probe round. A session whose previous probe is still
// unanswered accrues a miss; MaxMissed misses disconnect it.
func (r *Registry) Sweep() {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.mu.Lock()
		if h.probePending {
			h.missed++
		}
		expired := h.missed >= r.config.MaxMissed
		if !expired {
			h.probePending = true
		}
		missed := h.missed
		h.mu.Unlock()

		if expired {
			r.log.Warn().Str("identity", h.identity).Int("missed", missed).Msg("liveness timeout")
			r.cleanup(h, CauseTimeout)
			continue
		}
		if err := h.session.Ping(); err != nil {
			r.log.Warn().Err(err).Str("identity", h.identity).Msg("probe failed")
			r.cleanup(h, CauseProbeError)
		}
	}
}

// CloseAll cleans up every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	for _, h := range handles {
		r.cleanup(h, CauseShutdown)
	}
}

// cleanup removes h if it is still current, closes its session, and fires
// the offline hook. sync.Once makes concurrent close and timeout safe.
func (r *Registry) cleanup(h *Handle, cause string) {
	h.once.Do(func() {
		r.mu.Lock()
		current := r.conns[h.identity] == h
		if current {
			delete(r.conns, h.identity)
		}
		r.mu.Unlock()

		close(h.done)
		_ = h.session.Close()

		if !current {
			return
		}
		r.totalCleaned.Add(1)
		metrics.SessionsLive.Dec()
		metrics.SessionDisconnects.WithLabelValues(cause).Inc()
		r.log.Info().Str("identity", h.identity).Str("cause", cause).Msg("session cleaned up")

		r.hookMu.RLock()
		offline := r.onOffline
		r.hookMu.RUnlock()
		if offline != nil {
			offline(h.identity)
		}
	})
}

// retire closes a replaced handle without touching the map or hooks.
func (r *Registry) retire(h *Handle, cause string) {
	h.once.Do(func() {
		close(h.done)
		_ = h.session.Close()
		metrics.SessionDisconnects.WithLabelValues(cause).Inc()
		r.log.Debug().Str("identity", h.identity).Uint64("gen", h.gen).Msg("session replaced")
	})
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats holds registry statistics.
type Stats struct {
	Live            int   `json:"live"`
	TotalRegistered int64 `json:"total_registered"`
	TotalCleaned    int64 `json:"total_cleaned"`
	TotalSent       int64 `json:"total_sent"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	live := len(r.conns)
	r.mu.RUnlock()
	return Stats{
		Live:            live,
		TotalRegistered: r.totalRegistered.Load(),
		TotalCleaned:    r.totalCleaned.Load(),
		TotalSent:       r.totalSent.Load(),
		TotalDropped:    r.totalDropped.Load(),
	}
}
