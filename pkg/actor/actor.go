// Package actor implements the single-writer owner of a session's state.
//
// An Actor loads its session from storage on first use, applies protocol
// messages one at a time, persists every mutation before broadcasting it, and
// can be evicted between operations without any observable change in state.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/protocol"
	"github.com/nstogner/sandbox/pkg/registry"
	"github.com/nstogner/sandbox/pkg/step"
	"github.com/nstogner/sandbox/pkg/store"
	"github.com/nstogner/sandbox/pkg/telemetry"
)

// Lifecycle is the residency state of an actor.
type Lifecycle int32

const (
	Unloaded Lifecycle = iota
	Loading
	Ready
)

func (l Lifecycle) String() string {
	switch l {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("lifecycle(%d)", int32(l))
}

// Deps are the collaborators shared by every actor of a process.
type Deps struct {
	Store    store.SessionStore
	Registry *registry.Registry
	Executor step.Executor
	Metrics  *telemetry.Metrics
}

// Config holds per-actor policy.
type Config struct {
	// Defaults seed sessions that have never been stored.
	Defaults domain.Options
	// StepTimeout bounds a single call to the executor. Zero means no limit.
	StepTimeout time.Duration
	// StrictContext drops context ids that do not name a message. When false,
	// context updates are stored verbatim.
	StrictContext bool
}

// Actor owns one session. All methods are safe for concurrent use; operations
// are serialized so that at most one mutates the session at a time.
type Actor struct {
	sessionID string
	deps      Deps
	cfg       Config

	mu    sync.Mutex
	state *domain.Session

	lifecycle  atomic.Int32
	lastActive atomic.Int64
}

// New creates an Unloaded actor for the session.
func New(sessionID string, deps Deps, cfg Config) *Actor {
	if deps.Executor == nil {
		deps.Executor = step.Unimplemented{}
	}
	a := &Actor{
		sessionID: sessionID,
		deps:      deps,
		cfg:       cfg,
	}
	a.touch()
	return a
}

// SessionID returns the id of the session owned by the actor.
func (a *Actor) SessionID() string { return a.sessionID }

// Lifecycle returns the current residency state.
func (a *Actor) Lifecycle() Lifecycle { return Lifecycle(a.lifecycle.Load()) }

// LastActive returns the time the last operation started.
func (a *Actor) LastActive() time.Time { return time.Unix(0, a.lastActive.Load()) }

func (a *Actor) touch() { a.lastActive.Store(time.Now().UnixNano()) }

// ensureLoaded moves the actor to Ready. Callers hold a.mu.
func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.state != nil {
		return nil
	}
	a.lifecycle.Store(int32(Loading))
	s, err := a.deps.Store.Load(ctx, a.sessionID, a.cfg.Defaults)
	if err != nil {
		a.lifecycle.Store(int32(Unloaded))
		return fmt.Errorf("loading session %s: %w", a.sessionID, err)
	}
	if err := s.Validate(); err != nil {
		slog.Warn("Loaded session failed validation", "sessionID", a.sessionID, "error", err)
	}
	a.state = s
	a.lifecycle.Store(int32(Ready))
	a.deps.Metrics.SessionLoaded(ctx)
	slog.Debug("Session loaded", "sessionID", a.sessionID, "messages", len(s.Messages), "steps", len(s.Steps))
	return nil
}

// Snapshot returns a copy of the current session state, loading it if needed.
func (a *Actor) Snapshot(ctx context.Context) (*domain.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touch()

	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return a.state.Clone(), nil
}

// Evict drops the in-memory state. It waits for any in-flight operation and
// reports whether there was state to drop. The next operation reloads.
func (a *Actor) Evict() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == nil {
		return false
	}
	a.state = nil
	a.lifecycle.Store(int32(Unloaded))
	a.deps.Metrics.SessionEvicted(context.Background())
	slog.Debug("Session evicted", "sessionID", a.sessionID)
	return true
}

// Attach registers conn with the session and sends it, and only it, the full
// session state. The hydration reflects every mutation committed before
// Attach returns.
func (a *Actor) Attach(ctx context.Context, conn registry.Conn) (registry.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touch()

	if err := a.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	tok := a.deps.Registry.Register(a.sessionID, conn)
	data, err := protocol.Encode(protocol.SessionState{State: a.state})
	if err != nil {
		return tok, err
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("Failed to send hydration", "sessionID", a.sessionID, "connID", conn.ID(), "error", err)
	}
	slog.Info("Connection attached", "sessionID", a.sessionID, "connID", conn.ID(),
		"connections", a.deps.Registry.Count(a.sessionID))
	return tok, nil
}

// Detach unregisters the connection. Session state is not touched.
func (a *Actor) Detach(connID string, tok registry.Token) bool {
	ok := a.deps.Registry.Unregister(a.sessionID, connID, tok)
	if ok {
		slog.Info("Connection detached", "sessionID", a.sessionID, "connID", connID,
			"connections", a.deps.Registry.Count(a.sessionID))
	}
	return ok
}

// Handle processes one inbound frame from the given connection. Every failure
// is reported to the sender as a protocol message; Handle never fails the actor.
func (a *Actor) Handle(ctx context.Context, connID string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touch()

	if err := a.ensureLoaded(ctx); err != nil {
		slog.Error("Failed to load session", "sessionID", a.sessionID, "error", err)
		a.reject(ctx, connID, "load", errors.New("session unavailable"))
		return
	}

	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		kind := "malformed"
		if errors.Is(err, protocol.ErrUnknownTag) {
			kind = "unknown_type"
		}
		a.reject(ctx, connID, kind, err)
		return
	}
	a.deps.Metrics.MessageHandled(ctx, string(msg.Tag()))
	a.dispatch(ctx, connID, msg)
}

// --- Dispatch ---

func (a *Actor) dispatch(ctx context.Context, connID string, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.SessionJoin, protocol.SessionCreate:
		a.reply(connID, protocol.SessionState{State: a.state})

	case protocol.InstructionsUpdate:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			s.Instructions = m.Instructions
			return protocol.StateUpdated{Partial: s.PatchInstructions()}, nil
		})

	case protocol.ContextUpdate:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			ids := append([]string{}, m.ContextIDs...)
			if a.cfg.StrictContext {
				kept := ids[:0]
				for _, id := range ids {
					if s.HasMessage(id) {
						kept = append(kept, id)
					}
				}
				ids = kept
			}
			s.ContextIDs = ids
			return protocol.StateUpdated{Partial: s.PatchContext()}, nil
		})

	case protocol.MessageSend:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			msg := domain.NewMessage(domain.RoleUser, m.Content)
			s.Messages = append(s.Messages, msg)
			s.ContextIDs = append(s.ContextIDs, msg.ID)
			return protocol.StateUpdated{Partial: s.PatchMessages()}, nil
		})

	case protocol.ModelSelect:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			s.SelectedModel = m.Model
			return protocol.StateUpdated{Partial: s.PatchModel()}, nil
		})

	case protocol.ToolsUpdate:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			s.EnabledTools = append([]string{}, m.EnabledTools...)
			return protocol.StateUpdated{Partial: s.PatchTools()}, nil
		})

	case protocol.BranchCreate:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			parent := s.ActiveBranchID
			if m.ParentBranchID != nil {
				parent = *m.ParentBranchID
			}
			fork := s.CurrentStepIndex
			if m.ForkStepIndex != nil {
				fork = *m.ForkStepIndex
			}
			if _, err := s.NewBranch(m.Name, parent, fork); err != nil {
				return nil, err
			}
			// Branches are hydration-only, so everyone gets the full state.
			return protocol.SessionState{State: s}, nil
		})

	case protocol.BranchSwitch:
		a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
			if _, ok := s.Branch(m.BranchID); !ok {
				return nil, fmt.Errorf("%w: branch %q does not exist", domain.ErrInvalid, m.BranchID)
			}
			s.ActiveBranchID = m.BranchID
			return protocol.SessionState{State: s}, nil
		})

	case protocol.StepExecute:
		a.runStep(ctx, connID, false)

	case protocol.StepRetry:
		a.runStep(ctx, connID, true)

	default:
		a.reject(ctx, connID, "unknown_type", fmt.Errorf("%w: %s", protocol.ErrUnknownTag, msg.Tag()))
	}
}

// mutation edits a private copy of the session and returns the message that
// announces the change.
type mutation func(s *domain.Session) (protocol.Outbound, error)

// commit applies fn to a copy of the state, persists the copy and only then
// installs it and broadcasts the announcement. On any failure the in-memory
// state is unchanged and only the sender hears about it.
func (a *Actor) commit(ctx context.Context, connID string, fn mutation) bool {
	next := a.state.Clone()
	out, err := fn(next)
	if err != nil {
		a.reject(ctx, connID, "invalid", err)
		return false
	}
	if err := a.save(ctx, next); err != nil {
		slog.Error("Failed to persist session", "sessionID", a.sessionID, "error", err)
		a.reject(ctx, connID, "persist", errors.New("failed to persist change"))
		return false
	}
	a.state = next
	a.broadcast(out)
	return true
}

func (a *Actor) save(ctx context.Context, s *domain.Session) error {
	start := time.Now()
	err := a.deps.Store.Save(ctx, s)
	a.deps.Metrics.PersistObserved(ctx, time.Since(start), err)
	return err
}

func (a *Actor) reject(ctx context.Context, connID, kind string, err error) {
	a.deps.Metrics.ProtocolError(ctx, kind)
	slog.Debug("Rejected message", "sessionID", a.sessionID, "connID", connID, "kind", kind, "error", err)
	a.reply(connID, protocol.ErrorMessage{Message: err.Error()})
}

func (a *Actor) reply(connID string, msg protocol.Outbound) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode message", "type", msg.Tag(), "error", err)
		return
	}
	if err := a.deps.Registry.Send(a.sessionID, connID, data); err != nil {
		slog.Debug("Failed to reply", "sessionID", a.sessionID, "connID", connID, "error", err)
	}
}

func (a *Actor) broadcast(msg protocol.Outbound) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode message", "type", msg.Tag(), "error", err)
		return
	}
	a.deps.Registry.Broadcast(a.sessionID, data)
}
