package protocol

import "github.com/nstogner/sandbox/pkg/domain"

// Outbound is a server to client message.
type Outbound interface {
	Message
	outbound()
}

// SessionState carries the full session for hydration.
type SessionState struct {
	State *domain.Session `json:"state"`
}

// StateUpdated carries a sparse patch of session fields.
type StateUpdated struct {
	Partial domain.Patch `json:"partial"`
}

// StepStart announces that a step began executing.
type StepStart struct {
	StepNumber int `json:"stepNumber"`
}

// StepChunk carries an opaque piece of streamed step output.
type StepChunk struct {
	Chunk any `json:"chunk"`
}

// StepComplete carries the record of a committed step.
type StepComplete struct {
	Step domain.StepRecord `json:"step"`
}

// StepError reports a failed or unavailable step.
type StepError struct {
	Error string `json:"error"`
}

// ErrorMessage reports a request-level error to one connection.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (SessionState) Tag() Tag { return TagSessionState }
func (StateUpdated) Tag() Tag { return TagStateUpdated }
func (StepStart) Tag() Tag    { return TagStepStart }
func (StepChunk) Tag() Tag    { return TagStepChunk }
func (StepComplete) Tag() Tag { return TagStepComplete }
func (StepError) Tag() Tag    { return TagStepError }
func (ErrorMessage) Tag() Tag { return TagError }

func (SessionState) outbound() {}
func (StateUpdated) outbound() {}
func (StepStart) outbound()    {}
func (StepChunk) outbound()    {}
func (StepComplete) outbound() {}
func (StepError) outbound()    {}
func (ErrorMessage) outbound() {}

// DecodeOutbound parses a server message.
func DecodeOutbound(data []byte) (Outbound, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagSessionState:
		msg, err := decodeSession(tag, data)
		if err != nil {
			return nil, err
		}
		return *msg, nil

	case TagStateUpdated:
		var w struct {
			Partial *domain.Patch `json:"partial"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.Partial == nil {
			return nil, missing(tag, "partial")
		}
		return StateUpdated{Partial: *w.Partial}, nil

	case TagStepStart:
		var w struct {
			StepNumber *int `json:"stepNumber"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.StepNumber == nil {
			return nil, missing(tag, "stepNumber")
		}
		return StepStart{StepNumber: *w.StepNumber}, nil

	case TagStepChunk:
		var msg StepChunk
		if err := decodeInto(tag, data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TagStepComplete:
		var w struct {
			Step *domain.StepRecord `json:"step"`
		}
		if err := decodeInto(tag, data, &w); err != nil {
			return nil, err
		}
		if w.Step == nil {
			return nil, missing(tag, "step")
		}
		return StepComplete{Step: *w.Step}, nil

	case TagStepError:
		var msg StepError
		if err := decodeInto(tag, data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TagError:
		var msg ErrorMessage
		if err := decodeInto(tag, data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	default:
		return nil, unknownTag(tag)
	}
}
