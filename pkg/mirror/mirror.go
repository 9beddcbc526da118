// Package mirror reconstructs a session from protocol traffic alone.
package mirror

import (
	"sync"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/protocol"
)

// Status is the state of the link to the server. It is tracked apart from the
// mirrored session because it changes for transport reasons.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Mirror is a read model of one session. It is safe for concurrent use.
type Mirror struct {
	mu        sync.RWMutex
	state     *domain.Session
	status    Status
	lastError string

	executing  bool
	stepNumber int
	chunks     []any

	changes chan struct{}
}

// New creates a disconnected, unhydrated mirror.
func New() *Mirror {
	return &Mirror{
		status:  StatusDisconnected,
		changes: make(chan struct{}, 1),
	}
}

// Changes delivers a signal after any change to the mirror. Signals coalesce;
// readers should re-read whatever they display.
func (m *Mirror) Changes() <-chan struct{} { return m.changes }

func (m *Mirror) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// ApplyHydration replaces the whole mirrored session.
func (m *Mirror) ApplyHydration(s *domain.Session) {
	m.mu.Lock()
	if s == nil {
		m.state = nil
	} else {
		m.state = s.Clone()
		m.state.Normalize()
	}
	m.mu.Unlock()
	m.notify()
}

// ApplyPatch merges the fields present in p. Patches that arrive before the
// first hydration are dropped since there is nothing to merge into.
func (m *Mirror) ApplyPatch(p domain.Patch) {
	m.mu.Lock()
	if m.state != nil {
		m.state.Apply(p)
	}
	m.mu.Unlock()
	m.notify()
}

// Handle decodes one server frame and folds it into the mirror. Undecodable
// frames are recorded as the last error and leave the session untouched.
func (m *Mirror) Handle(data []byte) error {
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		m.SetError(err.Error())
		return err
	}
	m.Apply(msg)
	return nil
}

// Apply folds a decoded server message into the mirror.
func (m *Mirror) Apply(msg protocol.Outbound) {
	switch msg := msg.(type) {
	case protocol.SessionState:
		m.ApplyHydration(msg.State)
		return
	case protocol.StateUpdated:
		m.ApplyPatch(msg.Partial)
		return
	}

	m.mu.Lock()
	switch msg := msg.(type) {
	case protocol.StepStart:
		m.executing = true
		m.stepNumber = msg.StepNumber
		m.chunks = nil
	case protocol.StepChunk:
		m.chunks = append(m.chunks, msg.Chunk)
	case protocol.StepComplete:
		m.executing = false
	case protocol.StepError:
		m.executing = false
		m.lastError = msg.Error
	case protocol.ErrorMessage:
		m.lastError = msg.Message
	}
	m.mu.Unlock()
	m.notify()
}

// SetStatus records the link status.
func (m *Mirror) SetStatus(s Status) {
	m.mu.Lock()
	m.status = s
	if s != StatusConnected {
		m.executing = false
	}
	m.mu.Unlock()
	m.notify()
}

// SetError records a transport or decoding error.
func (m *Mirror) SetError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()
	m.notify()
}

// ClearError forgets the last error.
func (m *Mirror) ClearError() { m.SetError("") }

// Snapshot returns a copy of the mirrored session, or nil before hydration.
func (m *Mirror) Snapshot() *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil
	}
	return m.state.Clone()
}

func (m *Mirror) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Mirror) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Executing reports whether a step is running and which one.
func (m *Mirror) Executing() (bool, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executing, m.stepNumber
}

// Chunks returns the streamed output of the current or last step.
func (m *Mirror) Chunks() []any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]any(nil), m.chunks...)
}
