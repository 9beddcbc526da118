// Package registry tracks the live connections attached to each session,
// independently of whether the session's actor is resident in memory.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/nstogner/sandbox/pkg/telemetry"
)

// ErrNotRegistered is returned by Send for connections that are not attached.
var ErrNotRegistered = errors.New("connection not registered")

// Conn is a transport handle. Send must not block for long; implementations
// queue the frame and report an error when the connection cannot take it.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Token identifies one registration. When a connection id re-registers, the
// older token stops owning the slot, so a late Unregister from the superseded
// transport cannot remove the new one.
type Token uint64

type entry struct {
	conn  Conn
	token Token
}

// Registry is a session-scoped set of connections.
type Registry struct {
	mu       sync.RWMutex
	next     Token
	sessions map[string]map[string]entry
	metrics  *telemetry.Metrics
}

// New creates an empty Registry. metrics may be nil.
func New(metrics *telemetry.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]map[string]entry),
		metrics:  metrics,
	}
}

// Register attaches c to the session and returns its ownership token. A
// previous connection with the same id is superseded and closed.
func (r *Registry) Register(sessionID string, c Conn) Token {
	r.mu.Lock()
	r.next++
	tok := r.next
	conns, ok := r.sessions[sessionID]
	if !ok {
		conns = make(map[string]entry)
		r.sessions[sessionID] = conns
	}
	prev, replaced := conns[c.ID()]
	conns[c.ID()] = entry{conn: c, token: tok}
	r.mu.Unlock()

	if replaced && prev.conn != c {
		slog.Info("Connection superseded", "sessionID", sessionID, "connID", c.ID())
		prev.conn.Close()
	}
	if !replaced {
		r.metrics.ConnectionOpened(context.Background())
	}
	return tok
}

// Unregister detaches the connection if tok still owns its slot.
func (r *Registry) Unregister(sessionID, connID string, tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.sessions[sessionID]
	e, ok := conns[connID]
	if !ok || e.token != tok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.sessions, sessionID)
	}
	r.metrics.ConnectionClosed(context.Background())
	return true
}

// List returns the ids of the connections attached to the session, sorted.
func (r *Registry) List(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions[sessionID]))
	for id := range r.sessions[sessionID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of connections attached to the session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Send delivers data to a single attached connection.
func (r *Registry) Send(sessionID, connID string, data []byte) error {
	r.mu.RLock()
	e, ok := r.sessions[sessionID][connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}
	return e.conn.Send(data)
}

// Broadcast sends data to every connection attached to the session. A failing
// connection is skipped; it is expected to be unregistered by its transport.
func (r *Registry) Broadcast(sessionID string, data []byte) (sent, failed int) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.sessions[sessionID]))
	for _, e := range r.sessions[sessionID] {
		targets = append(targets, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(data); err != nil {
			slog.Debug("Broadcast send failed", "sessionID", sessionID, "connID", c.ID(), "error", err)
			failed++
			continue
		}
		sent++
	}
	r.metrics.BroadcastFailed(context.Background(), failed)
	return sent, failed
}
