package actor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/registry"
)

// Router resolves session ids to actors. It guarantees at most one actor per
// session id is resident at a time and evicts actors that have been idle.
type Router struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	actors map[string]*slot
}

type slot struct {
	actor *Actor
	refs  int
}

// NewRouter creates a Router whose actors share deps and cfg.
func NewRouter(deps Deps, cfg Config) *Router {
	if deps.Registry == nil {
		deps.Registry = registry.New(deps.Metrics)
	}
	return &Router{
		deps:   deps,
		cfg:    cfg,
		actors: make(map[string]*slot),
	}
}

// Registry returns the connection registry shared by all actors.
func (r *Router) Registry() *registry.Registry { return r.deps.Registry }

func (r *Router) acquire(sessionID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.actors[sessionID]
	if !ok {
		s = &slot{actor: New(sessionID, r.deps, r.cfg)}
		r.actors[sessionID] = s
	}
	s.refs++
	return s.actor
}

func (r *Router) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.actors[sessionID]; ok {
		s.refs--
	}
}

// Attach attaches conn to the session, hydrating it with the current state.
func (r *Router) Attach(ctx context.Context, sessionID string, conn registry.Conn) (registry.Token, error) {
	a := r.acquire(sessionID)
	defer r.release(sessionID)
	return a.Attach(ctx, conn)
}

// Handle routes one inbound frame to the session's actor.
func (r *Router) Handle(ctx context.Context, sessionID, connID string, data []byte) {
	a := r.acquire(sessionID)
	defer r.release(sessionID)
	a.Handle(ctx, connID, data)
}

// Detach removes the connection from the session. It does not load the actor.
func (r *Router) Detach(sessionID, connID string, tok registry.Token) bool {
	r.mu.Lock()
	s, ok := r.actors[sessionID]
	r.mu.Unlock()
	if ok {
		return s.actor.Detach(connID, tok)
	}
	return r.deps.Registry.Unregister(sessionID, connID, tok)
}

// Snapshot returns a copy of the session state.
func (r *Router) Snapshot(ctx context.Context, sessionID string) (*domain.Session, error) {
	a := r.acquire(sessionID)
	defer r.release(sessionID)
	return a.Snapshot(ctx)
}

// Resident returns the ids of the sessions with an actor in memory, sorted.
func (r *Router) Resident() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EvictIdle evicts every actor with no in-flight callers whose last activity
// is older than idle. It returns the number of actors evicted.
func (r *Router) EvictIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	r.mu.Lock()
	var victims []*Actor
	for id, s := range r.actors {
		if s.refs > 0 || s.actor.LastActive().After(cutoff) {
			continue
		}
		delete(r.actors, id)
		victims = append(victims, s.actor)
	}
	r.mu.Unlock()

	// Removed actors are unreachable, so nothing can race the eviction.
	for _, a := range victims {
		a.Evict()
		slog.Debug("Actor reaped", "sessionID", a.SessionID())
	}
	return len(victims)
}

// Run evicts idle actors every interval until ctx is done.
func (r *Router) Run(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.EvictIdle(idle); n > 0 {
				slog.Info("Evicted idle sessions", "count", n, "resident", len(r.Resident()))
			}
		}
	}
}

// Close evicts every resident actor. Callers must have stopped routing to r.
func (r *Router) Close() {
	r.mu.Lock()
	victims := make([]*Actor, 0, len(r.actors))
	for id, s := range r.actors {
		delete(r.actors, id)
		victims = append(victims, s.actor)
	}
	r.mu.Unlock()

	for _, a := range victims {
		a.Evict()
	}
}
