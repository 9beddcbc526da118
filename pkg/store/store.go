package store

import (
	"context"
	"errors"

	"github.com/nstogner/sandbox/pkg/domain"
)

// ErrNotFound is returned by read queries for sessions that were never stored.
var ErrNotFound = errors.New("session not found")

// SessionStore persists the full state of sessions. The session actor is the
// only writer for a given session id.
type SessionStore interface {
	// Load returns the stored state for the session. If none exists, a fresh
	// default state is created, stored and returned in the same transaction.
	Load(ctx context.Context, sessionID string, opts domain.Options) (*domain.Session, error)

	// Save overwrites the persisted state of the session. When Save returns
	// nil the state is durable.
	Save(ctx context.Context, s *domain.Session) error
}

// TranscriptReader serves range queries over the normalized message and step
// tables that Save keeps consistent with the state record.
type TranscriptReader interface {
	// ListMessages returns up to limit messages after the given sequence
	// position (0 for the beginning), in append order. limit <= 0 means all.
	ListMessages(ctx context.Context, sessionID string, after, limit int) ([]domain.StoredMessage, error)

	// ListSteps returns the step records of the session in step order.
	ListSteps(ctx context.Context, sessionID string) ([]domain.StepRecord, error)
}
