package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/store"
)

// Store implements SessionStore and TranscriptReader using SQLite. Each
// session is stored as a JSON state record plus normalized message and step
// rows written in the same transaction.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.SessionStore = (*Store)(nil)
var _ store.TranscriptReader = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_state (
		session_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		token_estimate INTEGER NOT NULL,
		metadata TEXT,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES session_state(session_id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS steps (
		session_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		instructions_snapshot TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		finish_reason TEXT NOT NULL,
		model_id TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (session_id, step_number),
		FOREIGN KEY (session_id) REFERENCES session_state(session_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- SessionStore ---

func (s *Store) Load(ctx context.Context, sessionID string, opts domain.Options) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var blob string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM session_state WHERE session_id = ?`, sessionID,
	).Scan(&blob)
	switch {
	case err == nil:
		var sess domain.Session
		if err := json.Unmarshal([]byte(blob), &sess); err != nil {
			return nil, fmt.Errorf("decoding state for %s: %w", sessionID, err)
		}
		sess.Normalize()
		return &sess, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("reading state for %s: %w", sessionID, err)
	}

	sess := domain.NewSession(sessionID, opts)
	if err := writeState(ctx, tx, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

func (s *Store) Save(ctx context.Context, sess *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := writeState(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// writeState upserts the state record and appends the messages and steps not
// yet present in the normalized tables. Both lists are append-only, so the row
// count is the position of the first unwritten entry.
func writeState(ctx context.Context, tx *sql.Tx, sess *domain.Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_state (session_id, state, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sess.SessionID, string(blob), sess.CreatedAt.Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("writing state: %w", err)
	}

	var msgCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sess.SessionID,
	).Scan(&msgCount); err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}
	for i := msgCount; i < len(sess.Messages); i++ {
		m := sess.Messages[i]
		var meta sql.NullString
		if m.Metadata != nil {
			b, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata for %s: %w", m.ID, err)
			}
			meta = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, id, type, content, timestamp, token_estimate, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, i+1, m.ID, string(m.Type), m.Content,
			m.Timestamp.Format(time.RFC3339Nano), m.TokenEstimate, meta,
		)
		if err != nil {
			return fmt.Errorf("writing message %s: %w", m.ID, err)
		}
	}

	var stepCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE session_id = ?`, sess.SessionID,
	).Scan(&stepCount); err != nil {
		return fmt.Errorf("counting steps: %w", err)
	}
	for i := stepCount; i < len(sess.Steps); i++ {
		st := sess.Steps[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (session_id, step_number, timestamp, instructions_snapshot, token_count, finish_reason, model_id, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, st.StepNumber, st.Timestamp.Format(time.RFC3339Nano),
			st.InstructionsSnapshot, st.TokenCount, st.FinishReason, st.ModelID, st.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("writing step %d: %w", st.StepNumber, err)
		}
	}
	return nil
}

// --- TranscriptReader ---

func (s *Store) exists(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM session_state WHERE session_id = ?`, sessionID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, sessionID)
	}
	return err
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, after, limit int) ([]domain.StoredMessage, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT id, type, content, timestamp, token_estimate, metadata
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []domain.StoredMessage{}
	for rows.Next() {
		var (
			m    domain.StoredMessage
			ts   string
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &ts, &m.TokenEstimate, &meta); err != nil {
			return nil, err
		}
		if m.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp of %s: %w", m.ID, err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) ListSteps(ctx context.Context, sessionID string) ([]domain.StepRecord, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number, timestamp, instructions_snapshot, token_count, finish_reason, model_id, duration_ms
		 FROM steps WHERE session_id = ? ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []domain.StepRecord{}
	for rows.Next() {
		var (
			st domain.StepRecord
			ts string
		)
		if err := rows.Scan(&st.StepNumber, &ts, &st.InstructionsSnapshot, &st.TokenCount,
			&st.FinishReason, &st.ModelID, &st.DurationMs); err != nil {
			return nil, err
		}
		if st.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp of step %d: %w", st.StepNumber, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
