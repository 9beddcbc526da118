package protocol

// Inbound is a client to server message. The set of implementations is closed:
// only types in this package satisfy it.
type Inbound interface {
	Message
	inbound()
}

// SessionJoin asks for the full state of the session the connection is attached to.
type SessionJoin struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SessionCreate is equivalent to SessionJoin; the session is created on attach.
type SessionCreate struct{}

// StepExecute runs the next execution step.
type StepExecute struct{}

// StepRetry re-runs the step at the current index.
type StepRetry struct{}

// ContextUpdate replaces the set of message ids in context.
type ContextUpdate struct {
	ContextIDs []string `json:"contextIds"`
}

// InstructionsUpdate replaces the instructions text.
type InstructionsUpdate struct {
	Instructions string `json:"instructions"`
}

// MessageSend appends a user message.
type MessageSend struct {
	Content string `json:"content"`
}

// ModelSelect replaces the selected model identifier.
type ModelSelect struct {
	Model string `json:"model"`
}

// ToolsUpdate replaces the set of enabled tool names.
type ToolsUpdate struct {
	EnabledTools []string `json:"enabledTools"`
}

// BranchCreate forks a new branch. A nil parent means the active branch and a
// nil fork index means the current step index.
type BranchCreate struct {
	Name           string  `json:"name"`
	ParentBranchID *string `json:"parentBranchId,omitempty"`
	ForkStepIndex  *int    `json:"forkStepIndex,omitempty"`
}

// BranchSwitch changes the active branch.
type BranchSwitch struct {
	BranchID string `json:"branchId"`
}

func (SessionJoin) Tag() Tag        { return TagSessionJoin }
func (SessionCreate) Tag() Tag      { return TagSessionCreate }
func (StepExecute) Tag() Tag        { return TagStepExecute }
func (StepRetry) Tag() Tag          { return TagStepRetry }
func (ContextUpdate) Tag() Tag      { return TagContextUpdate }
func (InstructionsUpdate) Tag() Tag { return TagInstructionsUpdate }
func (MessageSend) Tag() Tag        { return TagMessageSend }
func (ModelSelect) Tag() Tag        { return TagModelSelect }
func (ToolsUpdate) Tag() Tag        { return TagToolsUpdate }
func (BranchCreate) Tag() Tag       { return TagBranchCreate }
func (BranchSwitch) Tag() Tag       { return TagBranchSwitch }

func (SessionJoin) inbound()        {}
func (SessionCreate) inbound()      {}
func (StepExecute) inbound()        {}
func (StepRetry) inbound()          {}
func (ContextUpdate) inbound()      {}
func (InstructionsUpdate) inbound() {}
func (MessageSend) inbound()        {}
func (ModelSelect) inbound()        {}
func (ToolsUpdate) inbound()        {}
func (BranchCreate) inbound()       {}
func (BranchSwitch) inbound()       {}

// DecodeInbound parses a client message. Errors wrap ErrMalformed or
// ErrUnknownTag, never both.
func DecodeInbound(data []byte) (Inbound, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagSessionJoin:
		var w struct {
			SessionID *string `json:"sessionId"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		msg := SessionJoin{}
		if w.SessionID != nil {
			msg.SessionID = *w.SessionID
		}
		return msg, nil

	case TagSessionCreate:
		return SessionCreate{}, nil

	case TagStepExecute:
		return StepExecute{}, nil

	case TagStepRetry:
		return StepRetry{}, nil

	case TagContextUpdate:
		var w struct {
			ContextIDs *[]string `json:"contextIds"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.ContextIDs == nil || *w.ContextIDs == nil {
			return nil, missing(tag, "contextIds")
		}
		return ContextUpdate{ContextIDs: *w.ContextIDs}, nil

	case TagInstructionsUpdate:
		var w struct {
			Instructions *string `json:"instructions"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.Instructions == nil {
			return nil, missing(tag, "instructions")
		}
		return InstructionsUpdate{Instructions: *w.Instructions}, nil

	case TagMessageSend:
		var w struct {
			Content *string `json:"content"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.Content == nil {
			return nil, missing(tag, "content")
		}
		return MessageSend{Content: *w.Content}, nil

	case TagModelSelect:
		var w struct {
			Model *string `json:"model"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.Model == nil || *w.Model == "" {
			return nil, missing(tag, "model")
		}
		return ModelSelect{Model: *w.Model}, nil

	case TagToolsUpdate:
		var w struct {
			EnabledTools *[]string `json:"enabledTools"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.EnabledTools == nil || *w.EnabledTools == nil {
			return nil, missing(tag, "enabledTools")
		}
		return ToolsUpdate{EnabledTools: *w.EnabledTools}, nil

	case TagBranchCreate:
		var msg BranchCreate
		if err := decodeInto(tag, data, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" {
			return nil, missing(tag, "name")
		}
		return msg, nil

	case TagBranchSwitch:
		var msg BranchSwitch
		if err := decodeInto(tag, data, &msg); err != nil {
			return nil, err
		}
		if msg.BranchID == "" {
			return nil, missing(tag, "branchId")
		}
		return msg, nil

	default:
		return nil, unknownTag(tag)
	}
}
