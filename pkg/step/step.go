// Package step defines the boundary to the external step-execution engine.
package step

import (
	"context"
	"errors"

	"github.com/nstogner/sandbox/pkg/domain"
)

// ErrNotImplemented is returned by executors that cannot run steps.
var ErrNotImplemented = errors.New("step execution not implemented")

// Request is the input of one execution step.
type Request struct {
	SessionID    string
	StepNumber   int
	Retry        bool
	Instructions string
	Model        string
	EnabledTools []string
	// Messages holds the in-context messages in transcript order.
	Messages []domain.StoredMessage
}

// Result is the output of a successful step. The caller turns it into a
// StepRecord and appends Messages to the transcript.
type Result struct {
	Messages     []domain.StoredMessage
	TokenCount   int
	FinishReason string
	ModelID      string
}

// ChunkFunc receives streamed output while a step runs. It may be nil.
type ChunkFunc func(chunk any)

// Executor runs execution steps. Execute must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error)
}

// Unimplemented is the executor used when no model provider is configured.
type Unimplemented struct{}

// Execute always fails with ErrNotImplemented.
func (Unimplemented) Execute(context.Context, Request, ChunkFunc) (*Result, error) {
	return nil, ErrNotImplemented
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request, onChunk ChunkFunc) (*Result, error) {
	return f(ctx, req, onChunk)
}
