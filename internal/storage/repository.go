package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// SessionRepository implements orchestrator.SessionRepository against the
// sessions table.
type SessionRepository struct {
	db *DB
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s chatmodel.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Title, s.CreatedAt.Unix(), s.LastActivityAt.Unix(),
		s.Usage.PromptTokens, s.Usage.CompletionTokens, s.Usage.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (chatmodel.Session, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost_usd
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *SessionRepository) Update(ctx context.Context, s chatmodel.Session) error {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE sessions SET title = ?, last_activity_at = ?, prompt_tokens = ?, completion_tokens = ?, cost_usd = ?
		WHERE id = ?`,
		s.Title, s.LastActivityAt.Unix(), s.Usage.PromptTokens, s.Usage.CompletionTokens, s.Usage.CostUSD, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s not found", s.ID)
	}
	return nil
}

func (r *SessionRepository) GetRecent(ctx context.Context, n int) ([]chatmodel.Session, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost_usd
		FROM sessions ORDER BY last_activity_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	var out []chatmodel.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chatmodel.Session, error) {
	var s chatmodel.Session
	var createdAt, lastActivity int64
	err := row.Scan(&s.ID, &s.Title, &createdAt, &lastActivity, &s.Usage.PromptTokens, &s.Usage.CompletionTokens, &s.Usage.CostUSD)
	if err == sql.ErrNoRows {
		return chatmodel.Session{}, fmt.Errorf("session not found")
	}
	if err != nil {
		return chatmodel.Session{}, fmt.Errorf("scan session: %w", err)
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.LastActivityAt = time.Unix(lastActivity, 0).UTC()
	return s, nil
}

// MessageRepository implements orchestrator.MessageRepository against the
// messages table. Parts are JSON-encoded in a single column rather than
// normalized into their own rows.
type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, m chatmodel.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}

	var seq int
	err = r.db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), -1) + 1 FROM messages WHERE session_id = ?", m.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("compute message sequence: %w", err)
	}

	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sequence, role, parts_json, model_id, provider_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, seq, string(m.Role), string(partsJSON), m.ModelID, m.ProviderID, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string) ([]chatmodel.Message, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, session_id, role, parts_json, model_id, provider_id, created_at
		FROM messages WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []chatmodel.Message
	for rows.Next() {
		var m chatmodel.Message
		var role, partsJSON string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &partsJSON, &m.ModelID, &m.ProviderID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chatmodel.Role(role)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(partsJSON), &m.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal message parts: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MessageRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := r.db.conn.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete messages for session %s: %w", sessionID, err)
	}
	return nil
}

// ToolCallCommitRecord is one row of the tool_call_commits table: an
// auditable, queryable mirror of a gitsession.ToolCallCommit.
type ToolCallCommitRecord struct {
	SessionID    string
	ToolName     string
	CommitHash   string
	FilesChanged []string
	CommittedAt  time.Time
}

// ToolCallCommitRepository persists the git shadow-session commit log
// alongside conversation history, so a session's audit trail survives
// independently of the per-session JSON state file in internal/gitsession.
type ToolCallCommitRepository struct {
	db *DB
}

func NewToolCallCommitRepository(db *DB) *ToolCallCommitRepository {
	return &ToolCallCommitRepository{db: db}
}

// Create implements gitsession.CommitRecorder directly, so a
// *ToolCallCommitRepository can be passed straight to
// gitsession.WithCommitRecorder without an adapter.
func (r *ToolCallCommitRepository) Create(ctx context.Context, sessionID, toolName, commitHash string, filesChanged []string, committedAt time.Time) error {
	filesJSON, err := json.Marshal(filesChanged)
	if err != nil {
		return fmt.Errorf("marshal files changed: %w", err)
	}
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO tool_call_commits (session_id, tool_name, commit_hash, files_changed_json, committed_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, toolName, commitHash, string(filesJSON), committedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert tool call commit: %w", err)
	}
	return nil
}

func (r *ToolCallCommitRepository) ListBySession(ctx context.Context, sessionID string) ([]ToolCallCommitRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT session_id, tool_name, commit_hash, files_changed_json, committed_at
		FROM tool_call_commits WHERE session_id = ? ORDER BY committed_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tool call commits: %w", err)
	}
	defer rows.Close()

	var out []ToolCallCommitRecord
	for rows.Next() {
		var rec ToolCallCommitRecord
		var filesJSON string
		var committedAt int64
		if err := rows.Scan(&rec.SessionID, &rec.ToolName, &rec.CommitHash, &filesJSON, &committedAt); err != nil {
			return nil, fmt.Errorf("scan tool call commit: %w", err)
		}
		if err := json.Unmarshal([]byte(filesJSON), &rec.FilesChanged); err != nil {
			return nil, fmt.Errorf("unmarshal files changed: %w", err)
		}
		rec.CommittedAt = time.Unix(committedAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
