package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionRepositoryCreateGetUpdate(t *testing.T) {
	db := openTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	s := chatmodel.Session{ID: "s1", Title: "first session", CreatedAt: now, LastActivityAt: now}
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first session", got.Title)
	assert.WithinDuration(t, now, got.CreatedAt, time.Second)

	got.Usage.PromptTokens = 42
	got.Title = "renamed"
	require.NoError(t, repo.Update(ctx, got))

	got2, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got2.Title)
	assert.EqualValues(t, 42, got2.Usage.PromptTokens)
}

func TestSessionRepositoryGetMissingErrors(t *testing.T) {
	db := openTestDB(t)
	repo := NewSessionRepository(db)
	_, err := repo.Get(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestSessionRepositoryGetRecentOrdersByActivity(t *testing.T) {
	db := openTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour).Truncate(time.Second)
	newer := time.Now().Truncate(time.Second)
	require.NoError(t, repo.Create(ctx, chatmodel.Session{ID: "old", CreatedAt: older, LastActivityAt: older}))
	require.NoError(t, repo.Create(ctx, chatmodel.Session{ID: "new", CreatedAt: newer, LastActivityAt: newer}))

	recent, err := repo.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].ID)
}

func TestMessageRepositoryCreateAndListPreservesOrderAndParts(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	require.NoError(t, sessions.Create(ctx, chatmodel.Session{ID: "s1", CreatedAt: now, LastActivityAt: now}))

	m1 := chatmodel.Message{SessionID: "s1", Role: chatmodel.RoleUser, Parts: []chatmodel.MessagePart{chatmodel.TextPart("hi")}, CreatedAt: now}
	m2 := chatmodel.Message{
		SessionID: "s1", Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.MessagePart{
			chatmodel.TextPart("using a tool"),
			chatmodel.ToolCallPart("call1", "read_file", `{"path":"a.go"}`),
		},
		CreatedAt: now,
	}
	require.NoError(t, messages.Create(ctx, m1))
	require.NoError(t, messages.Create(ctx, m2))

	history, err := messages.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Text())
	assert.Equal(t, "using a tool", history[1].Text())
	require.Len(t, history[1].ToolCalls(), 1)
	assert.Equal(t, "read_file", history[1].ToolCalls()[0].ToolName)
}

func TestMessageRepositoryDeleteBySession(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, sessions.Create(ctx, chatmodel.Session{ID: "s1", CreatedAt: now, LastActivityAt: now}))
	require.NoError(t, messages.Create(ctx, chatmodel.Message{SessionID: "s1", Role: chatmodel.RoleUser, Parts: []chatmodel.MessagePart{chatmodel.TextPart("x")}, CreatedAt: now}))

	require.NoError(t, messages.DeleteBySession(ctx, "s1"))
	history, err := messages.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDBStats(t *testing.T) {
	db := openTestDB(t)
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Contains(t, stats, "sessions")
	assert.Contains(t, stats, "messages")
	assert.Contains(t, stats, "tool_call_commits")
}

func TestToolCallCommitRepositoryCreateAndList(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionRepository(db)
	commits := NewToolCallCommitRepository(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	require.NoError(t, sessions.Create(ctx, chatmodel.Session{ID: "s1", CreatedAt: now, LastActivityAt: now}))

	require.NoError(t, commits.Create(ctx, "s1", "write_file", "abc123", []string{"main.go"}, now))
	require.NoError(t, commits.Create(ctx, "s1", "write_file", "def456", []string{"a.go", "b.go"}, now.Add(time.Minute)))

	got, err := commits.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "abc123", got[0].CommitHash)
	assert.Equal(t, []string{"a.go", "b.go"}, got[1].FilesChanged)
}
