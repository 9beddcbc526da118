// Package protocol defines the tagged messages exchanged between a session
// actor and its connections. Messages are JSON objects carrying a "type" tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nstogner/sandbox/pkg/domain"
)

// Tag identifies a message kind on the wire.
type Tag string

// Client to server tags.
const (
	TagSessionJoin        Tag = "session:join"
	TagSessionCreate      Tag = "session:create"
	TagStepExecute        Tag = "step:execute"
	TagStepRetry          Tag = "step:retry"
	TagContextUpdate      Tag = "context:update"
	TagInstructionsUpdate Tag = "instructions:update"
	TagMessageSend        Tag = "message:send"
	TagModelSelect        Tag = "model:select"
	TagToolsUpdate        Tag = "tools:update"
	TagBranchCreate       Tag = "branch:create"
	TagBranchSwitch       Tag = "branch:switch"
)

// Server to client tags.
const (
	TagSessionState Tag = "session:state"
	TagStateUpdated Tag = "state:updated"
	TagStepStart    Tag = "step:start"
	TagStepChunk    Tag = "step:chunk"
	TagStepComplete Tag = "step:complete"
	TagStepError    Tag = "step:error"
	TagError        Tag = "error"
)

var (
	// ErrMalformed is returned for payloads that are not valid JSON, lack a
	// type tag, or are missing a required field.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownTag is returned for well-formed payloads whose tag is not part
	// of the protocol.
	ErrUnknownTag = errors.New("unknown message type")
)

// Message is implemented by every protocol message.
type Message interface {
	Tag() Tag
}

// Encode serializes msg with its type tag as the first field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Tag(), err)
	}
	tag, err := json.Marshal(msg.Tag())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// MustEncode is Encode for messages that cannot fail to marshal.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

func readTag(data []byte) (Tag, error) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == nil || *env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Tag(*env.Type), nil
}

func unknownTag(tag Tag) error {
	return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
}

func missing(tag Tag, field string) error {
	return fmt.Errorf("%w: %s requires %q", ErrMalformed, tag, field)
}

func decodeInto(tag Tag, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	return nil
}

// decodeSession is used by both hydration decode paths.
func decodeSession(tag Tag, data []byte) (*SessionState, error) {
	var w struct {
		State *domain.Session `json:"state"`
	}
	if err := decodeInto(tag, data, &w); err != nil {
		return nil, err
	}
	if w.State == nil {
		return nil, missing(tag, "state")
	}
	w.State.Normalize()
	return &SessionState{State: w.State}, nil
}
