package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nexus3/internal/llm/core"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore keeps sessions in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		turns INTEGER NOT NULL DEFAULT 0,
		iterations INTEGER NOT NULL DEFAULT 0,
		consecutive_empty INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		tool_result TEXT,
		PRIMARY KEY (session_id, seq)
	)`,
}

// OpenSQLite opens (creating if needed) the database at path. All access goes
// through one connection so concurrent writers never see SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrSessionDirRequired
	}
	if logger == nil {
		logger = core.DiscardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, ddl := range sqliteSchema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	logger.Debug("sqlite session store opened", "path", path)
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored session in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, state State) (err error) {
	id, err := ValidateID(state.ID)
	if err != nil {
		return err
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (id, model, turns, iterations, consecutive_empty, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			turns = excluded.turns,
			iterations = excluded.iterations,
			consecutive_empty = excluded.consecutive_empty,
			updated_at = excluded.updated_at`,
		id, state.Model, state.Counters.Turns, state.Counters.Iterations, state.Counters.ConsecutiveEmpty, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clear session messages: %w", err)
	}

	for seq, msg := range state.Messages {
		var toolCalls, toolResult sql.NullString
		if len(msg.ToolCalls) > 0 {
			raw, marshalErr := json.Marshal(msg.ToolCalls)
			if marshalErr != nil {
				err = fmt.Errorf("marshal tool calls: %w", marshalErr)
				return err
			}
			toolCalls = sql.NullString{String: string(raw), Valid: true}
		}
		if msg.ToolResult != nil {
			raw, marshalErr := json.Marshal(msg.ToolResult)
			if marshalErr != nil {
				err = fmt.Errorf("marshal tool result: %w", marshalErr)
				return err
			}
			toolResult = sql.NullString{String: string(raw), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages (session_id, seq, role, content, tool_calls, tool_result)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, seq, string(msg.Role), msg.Content, toolCalls, toolResult)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	return nil
}

// Load reads one session and sanitizes its history.
func (s *SQLiteStore) Load(ctx context.Context, id string) (State, error) {
	id, err := ValidateID(id)
	if err != nil {
		return State{}, err
	}

	state := State{ID: id}
	var updated int64
	err = s.db.QueryRowContext(ctx,
		`SELECT model, turns, iterations, consecutive_empty, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&state.Model, &state.Counters.Turns, &state.Counters.Iterations, &state.Counters.ConsecutiveEmpty, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return State{}, fmt.Errorf("load session %s: %w", id, err)
	}
	state.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, tool_calls, tool_result FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return State{}, fmt.Errorf("load session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			seq        int
			role       string
			msg        core.Message
			toolCalls  sql.NullString
			toolResult sql.NullString
		)
		if err := rows.Scan(&seq, &role, &msg.Content, &toolCalls, &toolResult); err != nil {
			return State{}, fmt.Errorf("scan session message: %w", err)
		}
		msg.Role = core.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return State{}, &ValidationError{SessionID: id, Index: seq, Reason: "decode tool calls", Err: err}
			}
		}
		if toolResult.Valid && toolResult.String != "" {
			msg.ToolResult = &core.ToolResult{}
			if err := json.Unmarshal([]byte(toolResult.String), msg.ToolResult); err != nil {
				return State{}, &ValidationError{SessionID: id, Index: seq, Reason: "decode tool result", Err: err}
			}
		}
		state.Messages = append(state.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("read session messages: %w", err)
	}

	return restore(state, s.logger)
}

// List returns stored sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.updated_at, COUNT(m.seq)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id, s.updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			updated int64
		)
		if err := rows.Scan(&info.ID, &updated, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updated).UTC()
		info.Path = s.path
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	sortInfos(out)
	return out, nil
}

// Delete removes one session and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (err error) {
	id, err = ValidateID(id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session delete: %w", err)
	}
	return nil
}
