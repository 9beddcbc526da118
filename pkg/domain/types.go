package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is returned when a session or request breaks a structural invariant.
var ErrInvalid = errors.New("invalid session state")

// Session is the root aggregate for one sandbox conversation. It is owned by a
// single actor and mirrored by clients.
type Session struct {
	SessionID        string          `json:"sessionId"`
	CreatedAt        time.Time       `json:"createdAt"`
	Instructions     string          `json:"instructions"`
	SelectedModel    string          `json:"selectedModel"`
	EnabledTools     []string        `json:"enabledTools"`
	Messages         []StoredMessage `json:"messages"`
	ContextIDs       []string        `json:"contextIds"`
	Steps            []StepRecord    `json:"steps"`
	CurrentStepIndex int             `json:"currentStepIndex"`
	Branches         []Branch        `json:"branches"`
	ActiveBranchID   string          `json:"activeBranchId"`
}

// StoredMessage is an immutable entry in the session transcript.
type StoredMessage struct {
	ID            string         `json:"id"`
	Type          Role           `json:"type"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	TokenEstimate int            `json:"tokenEstimate"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StepRecord describes one completed execution step.
type StepRecord struct {
	StepNumber           int       `json:"stepNumber"`
	Timestamp            time.Time `json:"timestamp"`
	InstructionsSnapshot string    `json:"instructionsSnapshot"`
	TokenCount           int       `json:"tokenCount"`
	FinishReason         string    `json:"finishReason"`
	ModelID              string    `json:"modelId"`
	DurationMs           int64     `json:"durationMs"`
}

// Branch is a named fork point in the step history.
type Branch struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ParentBranchID *string `json:"parentBranchId"`
	ForkStepIndex  int     `json:"forkStepIndex"`
}

// Options control the defaults of a freshly created session.
type Options struct {
	Instructions string
	Model        string
}

// NewSession returns the default state for a session id that has never been seen.
func NewSession(id string, opts Options) *Session {
	if opts.Instructions == "" {
		opts.Instructions = DefaultInstructions
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	return &Session{
		SessionID:     id,
		CreatedAt:     time.Now().UTC(),
		Instructions:  opts.Instructions,
		SelectedModel: opts.Model,
		EnabledTools:  []string{},
		Messages:      []StoredMessage{},
		ContextIDs:    []string{},
		Steps:         []StepRecord{},
		Branches: []Branch{
			{ID: MainBranchID, Name: MainBranchID},
		},
		ActiveBranchID: MainBranchID,
	}
}

// NewMessage builds a message with a fresh id, the current time and a token estimate.
func NewMessage(role Role, content string) StoredMessage {
	return StoredMessage{
		ID:            uuid.New().String(),
		Type:          role,
		Content:       content,
		Timestamp:     time.Now().UTC(),
		TokenEstimate: EstimateTokens(content),
	}
}

// CanonicalMetadata returns md in the shape it has after a trip through
// storage: JSON objects, arrays, strings, float64 numbers, bools and nil. An
// empty map becomes nil since it is not stored.
func CanonicalMetadata(md map[string]any) (map[string]any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return out, nil
}

// cloneMetadata deep-copies canonical metadata.
func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Normalize replaces nil collections with empty ones so the session always
// encodes lists as [] rather than null.
func (s *Session) Normalize() {
	if s.EnabledTools == nil {
		s.EnabledTools = []string{}
	}
	if s.Messages == nil {
		s.Messages = []StoredMessage{}
	}
	if s.ContextIDs == nil {
		s.ContextIDs = []string{}
	}
	if s.Steps == nil {
		s.Steps = []StepRecord{}
	}
	if s.Branches == nil {
		s.Branches = []Branch{}
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.EnabledTools = slices.Clone(s.EnabledTools)
	c.ContextIDs = slices.Clone(s.ContextIDs)
	c.Steps = slices.Clone(s.Steps)
	c.Messages = make([]StoredMessage, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = cloneMetadata(m.Metadata)
		c.Messages[i] = m
	}
	c.Branches = make([]Branch, len(s.Branches))
	for i, b := range s.Branches {
		if b.ParentBranchID != nil {
			p := *b.ParentBranchID
			b.ParentBranchID = &p
		}
		c.Branches[i] = b
	}
	c.Normalize()
	return &c
}

// Branch returns the branch with the given id.
func (s *Session) Branch(id string) (Branch, bool) {
	for _, b := range s.Branches {
		if b.ID == id {
			return b, true
		}
	}
	return Branch{}, false
}

// HasMessage reports whether a message with the given id exists.
func (s *Session) HasMessage(id string) bool {
	return slices.ContainsFunc(s.Messages, func(m StoredMessage) bool { return m.ID == id })
}

// ContextMessages returns the messages whose ids are in context, in message order.
func (s *Session) ContextMessages() []StoredMessage {
	in := make(map[string]bool, len(s.ContextIDs))
	for _, id := range s.ContextIDs {
		in[id] = true
	}
	var out []StoredMessage
	for _, m := range s.Messages {
		if in[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// DanglingContextIDs returns the context ids that do not name a message.
func (s *Session) DanglingContextIDs() []string {
	var out []string
	for _, id := range s.ContextIDs {
		if !s.HasMessage(id) {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks the structural invariants of the session. Context membership
// is not checked here; see DanglingContextIDs.
func (s *Session) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalid)
	}
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex > len(s.Steps) {
		return fmt.Errorf("%w: current step index %d outside [0, %d]", ErrInvalid, s.CurrentStepIndex, len(s.Steps))
	}
	for i, st := range s.Steps {
		if st.StepNumber != i {
			return fmt.Errorf("%w: step %d has number %d", ErrInvalid, i, st.StepNumber)
		}
	}
	seen := make(map[string]bool, len(s.Messages))
	for _, m := range s.Messages {
		if seen[m.ID] {
			return fmt.Errorf("%w: duplicate message id %s", ErrInvalid, m.ID)
		}
		seen[m.ID] = true
	}

	// Parents must appear before their children, which rules out cycles.
	known := make(map[string]bool, len(s.Branches))
	for _, b := range s.Branches {
		if known[b.ID] {
			return fmt.Errorf("%w: duplicate branch id %s", ErrInvalid, b.ID)
		}
		switch {
		case b.ID == MainBranchID:
			if b.ParentBranchID != nil {
				return fmt.Errorf("%w: main branch has a parent", ErrInvalid)
			}
		case b.ParentBranchID == nil:
			return fmt.Errorf("%w: branch %s has no parent", ErrInvalid, b.ID)
		case !known[*b.ParentBranchID]:
			return fmt.Errorf("%w: branch %s has unknown parent %s", ErrInvalid, b.ID, *b.ParentBranchID)
		}
		known[b.ID] = true
	}
	if !known[MainBranchID] {
		return fmt.Errorf("%w: main branch missing", ErrInvalid)
	}
	if !known[s.ActiveBranchID] {
		return fmt.Errorf("%w: active branch %q does not exist", ErrInvalid, s.ActiveBranchID)
	}
	return nil
}

// NewBranch validates and appends a branch forked from parentID at forkStepIndex.
func (s *Session) NewBranch(name, parentID string, forkStepIndex int) (Branch, error) {
	if name == "" {
		return Branch{}, fmt.Errorf("%w: branch name is required", ErrInvalid)
	}
	if _, ok := s.Branch(parentID); !ok {
		return Branch{}, fmt.Errorf("%w: parent branch %q does not exist", ErrInvalid, parentID)
	}
	if forkStepIndex < 0 || forkStepIndex > len(s.Steps) {
		return Branch{}, fmt.Errorf("%w: fork step index %d outside [0, %d]", ErrInvalid, forkStepIndex, len(s.Steps))
	}
	parent := parentID
	b := Branch{
		ID:             uuid.New().String(),
		Name:           name,
		ParentBranchID: &parent,
		ForkStepIndex:  forkStepIndex,
	}
	s.Branches = append(s.Branches, b)
	return b, nil
}
