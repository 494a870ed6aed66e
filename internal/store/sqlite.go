package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

const busyRetries = 3

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLite opens (and if needed creates) the database at dbPath.
func NewSQLite(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// the busy timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger.With().Str("component", "sqlite-store").Logger()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS support_sessions (
		id TEXT PRIMARY KEY,
		customer_email TEXT NOT NULL,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		shopify_customer_id TEXT NOT NULL,
		escalated INTEGER NOT NULL DEFAULT 0,
		escalated_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES support_sessions(id),
		role TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, id);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES support_sessions(id),
		stage TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_input TEXT NOT NULL,
		tool_output TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, id);

	CREATE TABLE IF NOT EXISTS escalations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE REFERENCES support_sessions(id),
		reason TEXT NOT NULL,
		stage TEXT NOT NULL,
		summary_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, customer support.Customer) (support.Session, error) {
	session := support.Session{
		ID:        uuid.NewString(),
		Customer:  customer,
		CreatedAt: time.Now().UTC(),
	}

	query := `
	INSERT INTO support_sessions (id, customer_email, first_name, last_name, shopify_customer_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, customer.Email, customer.FirstName, customer.LastName,
			customer.ExternalID, session.CreatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return support.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// LoadSession retrieves a session by id.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*support.Session, error) {
	query := `
		SELECT id, customer_email, first_name, last_name, shopify_customer_id,
		       escalated, escalated_at, created_at
		FROM support_sessions WHERE id = ?`

	var session support.Session
	var escalatedAt sql.NullInt64
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.Customer.Email, &session.Customer.FirstName,
		&session.Customer.LastName, &session.Customer.ExternalID,
		&session.Escalated, &escalatedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	if escalatedAt.Valid {
		ts := time.UnixMilli(escalatedAt.Int64).UTC()
		session.EscalatedAt = &ts
	}
	return &session, nil
}

// IsEscalated reads the escalation flag.
func (s *SQLiteStore) IsEscalated(ctx context.Context, sessionID string) (bool, error) {
	var escalated bool
	err := s.db.QueryRowContext(ctx, `SELECT escalated FROM support_sessions WHERE id = ?`, sessionID).Scan(&escalated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read escalation flag: %w", err)
	}
	return escalated, nil
}

// Messages returns the transcript ordered by insertion.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]support.Message, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, sender, content, created_at
		FROM session_messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer s.closeRows(rows)

	messages := make([]support.Message, 0, 16)
	for rows.Next() {
		var msg support.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Sender, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = support.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// ToolCalls returns recorded tool invocations ordered by insertion.
func (s *SQLiteStore) ToolCalls(ctx context.Context, sessionID string) ([]support.ToolCall, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, stage, tool_name, tool_input, tool_output, created_at
		FROM tool_calls WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer s.closeRows(rows)

	calls := make([]support.ToolCall, 0, 8)
	for rows.Next() {
		var call support.ToolCall
		var input, output string
		var createdAt int64
		if err := rows.Scan(&call.ID, &call.SessionID, &call.Stage, &call.Name, &input, &output, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool call row: %w", err)
		}
		call.Arguments = json.RawMessage(input)
		if err := json.Unmarshal([]byte(output), &call.Result); err != nil {
			call.Result = support.Fail("unreadable stored result: " + err.Error())
		}
		call.CreatedAt = time.UnixMilli(createdAt).UTC()
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool calls: %w", err)
	}
	return calls, nil
}

// escalationSummary is the JSON payload stored alongside an escalation row.
type escalationSummary struct {
	Reason         string           `json:"reason"`
	SummaryForTeam string           `json:"summary_for_team"`
	CustomerName   string           `json:"customer_name"`
	Customer       support.Customer `json:"customer"`
}

// Escalation returns the escalation record for a session.
func (s *SQLiteStore) Escalation(ctx context.Context, sessionID string) (*support.Escalation, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var esc support.Escalation
	var summaryJSON string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, reason, stage, summary_json, created_at
		FROM escalations WHERE session_id = ?`, sessionID).Scan(
		&esc.ID, &esc.SessionID, &esc.Reason, &esc.Stage, &summaryJSON, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation row: %w", err)
	}

	var summary escalationSummary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, fmt.Errorf("decode escalation summary: %w", err)
	}
	esc.Summary = summary.SummaryForTeam
	esc.Customer = summary.Customer
	esc.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &esc, nil
}

// RecordToolCall inserts a tool invocation record.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, call support.ToolCall) (support.ToolCall, error) {
	call.Result = call.Result.Normalize()
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage(`{}`)
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	output, err := json.Marshal(call.Result)
	if err != nil {
		return support.ToolCall{}, fmt.Errorf("encode tool result: %w", err)
	}

	query := `
	INSERT INTO tool_calls (session_id, stage, tool_name, tool_input, tool_output, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	err = s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			call.SessionID, call.Stage, call.Name, string(call.Arguments), string(output), call.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		call.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return support.ToolCall{}, fmt.Errorf("insert tool call: %w", err)
	}
	return call, nil
}

// AppendMessages inserts the batch in one transaction, refusing escalated sessions.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, messages ...support.Message) ([]support.Message, error) {
	var saved []support.Message
	err := s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer s.rollback(tx)

		var escalated bool
		err = tx.QueryRowContext(ctx, `SELECT escalated FROM support_sessions WHERE id = ?`, sessionID).Scan(&escalated)
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(ErrSessionNotFound)
		}
		if err != nil {
			return err
		}
		if escalated {
			return backoff.Permanent(ErrAlreadyEscalated)
		}

		saved, err = insertMessages(ctx, tx, sessionID, messages)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Escalate performs the one-way ACTIVE -> ESCALATED transition atomically.
func (s *SQLiteStore) Escalate(ctx context.Context, escalation support.Escalation, messages ...support.Message) (support.Escalation, error) {
	summary, err := json.Marshal(escalationSummary{
		Reason:         escalation.Reason,
		SummaryForTeam: escalation.Summary,
		CustomerName:   escalation.Customer.DisplayName(),
		Customer:       escalation.Customer,
	})
	if err != nil {
		return support.Escalation{}, fmt.Errorf("encode escalation summary: %w", err)
	}

	err = s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer s.rollback(tx)

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE support_sessions SET escalated = 1, escalated_at = ? WHERE id = ? AND escalated = 0`,
			now.UnixMilli(), escalation.SessionID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM support_sessions WHERE id = ?`, escalation.SessionID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return backoff.Permanent(ErrSessionNotFound)
			}
			if err != nil {
				return err
			}
			return backoff.Permanent(ErrAlreadyEscalated)
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO escalations (session_id, reason, stage, summary_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			escalation.SessionID, escalation.Reason, escalation.Stage, string(summary), now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		if escalation.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		escalation.CreatedAt = now

		if _, err := insertMessages(ctx, tx, escalation.SessionID, messages); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return support.Escalation{}, err
	}
	return escalation, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, messages []support.Message) ([]support.Message, error) {
	saved := make([]support.Message, 0, len(messages))
	for _, msg := range messages {
		msg.SessionID = sessionID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, role, sender, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(msg.Role), msg.Sender, msg.Content, msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("message id: %w", err)
		}
		saved = append(saved, msg)
	}
	return saved, nil
}

func (s *SQLiteStore) requireSession(ctx context.Context, sessionID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM support_sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

// retry re-runs op while SQLite reports lock contention.
func (s *SQLiteStore) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if !isSQLiteConflictError(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("sqlite busy, retrying")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, busyRetries), ctx))
}

func (s *SQLiteStore) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Warn().Err(err).Msg("rollback failed")
	}
}

func (s *SQLiteStore) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close rows")
	}
}

var _ Store = (*SQLiteStore)(nil)
