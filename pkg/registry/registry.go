// Package registry keeps the process-wide table of live demo sessions.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/session"
)

const (
	DefaultMaxSessions   = 10
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

type Config struct {
	// MaxSessions bounds the number of non-terminal sessions.
	MaxSessions int
	// IdleTimeout is how long a session may go without activity before it
	// is stopped and removed.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Session       session.Config
	Now           func() time.Time
	NewID         func() string
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// Registry owns every session of the process.
type Registry struct {
	deps   session.Deps
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Orchestrator
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a registry and starts its idle sweeper. Call Shutdown to stop it.
func New(deps session.Deps, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session.Orchestrator),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.sweepLoop(ctx)
	return r
}

// Create registers a new session and initializes it. A configuration error
// leaves nothing registered. A resource failure keeps the Failed session
// registered so its status stays queryable, and returns it with the error.
func (r *Registry) Create(ctx context.Context, req session.InitRequest) (*session.Orchestrator, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, core.Errorf(core.KindSessionTerminated, "registry is shutting down")
	}
	if n := r.activeLocked(); n >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, core.Errorf(core.KindCapacityExceeded, "%d of %d sessions in use", n, r.cfg.MaxSessions)
	}
	id := r.cfg.NewID()
	o := session.New(id, r.deps, r.cfg.Session)
	r.sessions[id] = o
	r.mu.Unlock()

	if err := o.Initialize(ctx, req); err != nil {
		if core.IsKind(err, core.KindResourceAcquisition) {
			r.logger.Warn("session failed to start", "session_id", id, "error", err)
			return o, err
		}
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		_ = o.Stop(context.Background())
		return nil, err
	}
	r.logger.Info("session created", "session_id", id, "product", req.Product)
	return o, nil
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, o := range r.sessions {
		if !o.State().Terminal() {
			n++
		}
	}
	return n
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*session.Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[id]
	if !ok {
		return nil, core.Errorf(core.KindSessionNotFound, "session %s not found", id)
	}
	return o, nil
}

// Remove stops the session and drops it from the table.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	o, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return core.Errorf(core.KindSessionNotFound, "session %s not found", id)
	}
	return o.Stop(ctx)
}

// List returns a summary of every registered session, oldest first.
func (r *Registry) List() []session.Snapshot {
	r.mu.Lock()
	all := make([]*session.Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		all = append(all, o)
	}
	r.mu.Unlock()

	out := make([]session.Snapshot, 0, len(all))
	for _, o := range all {
		out = append(out, o.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active is the number of non-terminal sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep stops and removes every session idle for longer than IdleTimeout.
// It returns the number of sessions evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.cfg.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*session.Orchestrator
	for id, o := range r.sessions {
		if o.LastActivity().Before(cutoff) {
			idle = append(idle, o)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, o := range idle {
		r.logger.Info("evicting idle session", "session_id", o.ID(), "state", o.State())
		if err := o.Stop(ctx); err != nil {
			r.logger.Warn("idle session did not stop cleanly", "session_id", o.ID(), "error", err)
		}
	}
	return len(idle)
}

// Shutdown stops the sweeper and every session in parallel. New sessions are
// refused from the moment it is called.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*session.Orchestrator, 0, len(r.sessions))
	for id, o := range r.sessions {
		all = append(all, o)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.cancel()
	<-r.done

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range all {
		g.Go(func() error { return o.Stop(gctx) })
	}
	err := g.Wait()
	r.logger.Info("registry shut down", "sessions", len(all))
	return err
}
