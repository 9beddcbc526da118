package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/protocol"
	"github.com/nstogner/sandbox/pkg/step"
)

// runStep drives one execution step. The step is announced to every
// connection and always concludes with step:complete or step:error. The
// actor lock is held throughout, so steps are serialized with all other
// operations on the session.
func (a *Actor) runStep(ctx context.Context, connID string, retry bool) {
	stepNumber := len(a.state.Steps)
	a.broadcast(protocol.StepStart{StepNumber: stepNumber})

	req := step.Request{
		SessionID:    a.sessionID,
		StepNumber:   stepNumber,
		Retry:        retry,
		Instructions: a.state.Instructions,
		Model:        a.state.SelectedModel,
		EnabledTools: append([]string{}, a.state.EnabledTools...),
		Messages:     a.state.ContextMessages(),
	}

	stepCtx := ctx
	if a.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, a.cfg.StepTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := a.deps.Executor.Execute(stepCtx, req, func(chunk any) {
		a.broadcast(protocol.StepChunk{Chunk: chunk})
	})
	elapsed := time.Since(started)

	if err != nil {
		outcome, reason := "error", err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			outcome, reason = "timeout", fmt.Sprintf("step timed out after %s", a.cfg.StepTimeout)
		}
		a.deps.Metrics.StepObserved(ctx, elapsed, outcome)
		slog.Warn("Step failed", "sessionID", a.sessionID, "step", stepNumber, "retry", retry, "error", err)
		a.broadcast(protocol.StepError{Error: reason})
		return
	}
	if res == nil {
		res = &step.Result{}
	}

	record := domain.StepRecord{
		StepNumber:           stepNumber,
		Timestamp:            started.UTC(),
		InstructionsSnapshot: a.state.Instructions,
		TokenCount:           res.TokenCount,
		FinishReason:         res.FinishReason,
		ModelID:              res.ModelID,
		DurationMs:           elapsed.Milliseconds(),
	}
	if record.ModelID == "" {
		record.ModelID = a.state.SelectedModel
	}
	if record.FinishReason == "" {
		record.FinishReason = "stop"
	}

	msgs, err := resultMessages(a.state, res.Messages)
	if err != nil {
		a.deps.Metrics.StepObserved(ctx, elapsed, "error")
		slog.Warn("Step result rejected", "sessionID", a.sessionID, "step", stepNumber, "error", err)
		a.reject(ctx, connID, "invalid", err)
		a.broadcast(protocol.StepError{Error: "step returned an invalid result"})
		return
	}

	ok := a.commit(ctx, connID, func(s *domain.Session) (protocol.Outbound, error) {
		for _, m := range msgs {
			s.Messages = append(s.Messages, m)
			s.ContextIDs = append(s.ContextIDs, m.ID)
		}
		s.Steps = append(s.Steps, record)
		s.CurrentStepIndex = len(s.Steps)
		return protocol.StateUpdated{Partial: s.PatchSteps()}, nil
	})
	if !ok {
		a.deps.Metrics.StepObserved(ctx, elapsed, "error")
		a.broadcast(protocol.StepError{Error: "step result could not be saved"})
		return
	}

	a.deps.Metrics.StepObserved(ctx, elapsed, "complete")
	slog.Info("Step complete", "sessionID", a.sessionID, "step", stepNumber,
		"messages", len(res.Messages), "tokens", record.TokenCount, "duration", elapsed)
	a.broadcast(protocol.StepComplete{Step: record})
}

// resultMessages fills in the fields an executor may leave empty and rejects
// messages that would break the transcript. Metadata is put in its stored
// form so that a reload yields the same values.
func resultMessages(s *domain.Session, in []domain.StoredMessage) ([]domain.StoredMessage, error) {
	out := make([]domain.StoredMessage, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, m := range in {
		if m.Type == "" {
			m.Type = domain.RoleAssistant
		}
		if !m.Type.Valid() {
			return nil, fmt.Errorf("%w: executor returned message with role %q", domain.ErrInvalid, m.Type)
		}
		if m.ID == "" || m.Timestamp.IsZero() {
			fresh := domain.NewMessage(m.Type, m.Content)
			if m.ID == "" {
				m.ID = fresh.ID
			}
			if m.Timestamp.IsZero() {
				m.Timestamp = fresh.Timestamp
			}
		}
		m.Timestamp = m.Timestamp.UTC()
		if m.TokenEstimate == 0 {
			m.TokenEstimate = domain.EstimateTokens(m.Content)
		}
		if s.HasMessage(m.ID) || seen[m.ID] {
			return nil, fmt.Errorf("%w: executor returned duplicate message id %q", domain.ErrInvalid, m.ID)
		}
		md, err := domain.CanonicalMetadata(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: executor returned message %q with bad metadata: %v", domain.ErrInvalid, m.ID, err)
		}
		m.Metadata = md
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, nil
}
