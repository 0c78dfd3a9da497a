package gitsession

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	DefaultBranchPrefix  = "ai/session"
	DefaultRevertTimeout = 30 * time.Minute
)

// CommitRecorder persists a ToolCallCommit somewhere queryable outside the
// per-session JSON state file, e.g. storage.ToolCallCommitRepository. Save
// is best-effort from the Manager's perspective: a recorder failure is
// logged, never allowed to fail the underlying git commit it's recording.
type CommitRecorder interface {
	Create(ctx context.Context, sessionID, toolName, commitHash string, filesChanged []string, committedAt time.Time) error
}

// Manager owns the shadow-branch lifecycle for a single working directory.
// One Manager per process: concurrent orchestrator runs across sessions
// are not supported in-process.
type Manager struct {
	workDir       string
	store         *Store
	log           *slog.Logger
	branchPrefix  string
	revertTimeout time.Duration
	keepFailed    bool
	disabled      bool
	recorder      CommitRecorder
}

type Option func(*Manager)

func WithBranchPrefix(p string) Option         { return func(m *Manager) { m.branchPrefix = p } }
func WithRevertTimeout(d time.Duration) Option { return func(m *Manager) { m.revertTimeout = d } }
func WithKeepFailedSessions(v bool) Option     { return func(m *Manager) { m.keepFailed = v } }

// WithCommitRecorder attaches an optional sink for committed tool calls,
// mirroring each commit into durable storage alongside conversation
// history (C12's tool_call_commits table).
func WithCommitRecorder(r CommitRecorder) Option { return func(m *Manager) { m.recorder = r } }

func NewManager(workDir string, store *Store, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		workDir:       workDir,
		store:         store,
		log:           log,
		branchPrefix:  DefaultBranchPrefix,
		revertTimeout: DefaultRevertTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	if os.Getenv("CODEPUNK_GIT_SESSION_DISABLED") == "1" {
		m.disabled = true
	}
	if os.Getenv("CODEPUNK_KEEP_FAILED_SESSIONS") == "1" {
		m.keepFailed = true
	}
	return m
}

// Disabled reports whether this manager is a no-op for the whole process
// (either CODEPUNK_GIT_SESSION_DISABLED=1, or Begin found no git repo).
func (m *Manager) Disabled() bool { return m.disabled }

// Begin starts a shadow session for sessionID.
func (m *Manager) Begin(ctx context.Context, sessionID string) (*State, error) {
	if m.disabled {
		return nil, nil
	}
	if !IsRepo(ctx, m.workDir) {
		m.disabled = true
		m.log.Info("working directory is not a git repo; git session subsystem disabled")
		return nil, nil
	}

	originalBranch, err := CurrentBranch(ctx, m.workDir)
	if err != nil {
		return nil, fmt.Errorf("determine current branch: %w", err)
	}

	st := &State{
		SessionID:      sessionID,
		OriginalBranch: originalBranch,
		ShadowBranch:   fmt.Sprintf("%s/%s", m.branchPrefix, sessionID),
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
		OwnerPID:       os.Getpid(),
	}

	dirty, err := hasUncommittedChanges(ctx, m.workDir)
	if err != nil {
		return nil, fmt.Errorf("check working tree status: %w", err)
	}
	if dirty {
		ref, err := stashPush(ctx, m.workDir, "codepunk-"+sessionID)
		if err != nil {
			return nil, fmt.Errorf("stash uncommitted changes: %w", err)
		}
		st.StashRef = ref
	}

	if err := checkoutNewBranch(ctx, m.workDir, st.ShadowBranch); err != nil {
		return nil, fmt.Errorf("create shadow branch: %w", err)
	}

	if err := m.store.Save(st); err != nil {
		return nil, fmt.Errorf("persist git session state: %w", err)
	}
	return st, nil
}

// CommitToolCall stages and commits whatever the tool changed.
func (m *Manager) CommitToolCall(ctx context.Context, st *State, toolName, summary string) error {
	if m.disabled || st == nil {
		return nil
	}
	committed, hash, err := addAllAndCommit(ctx, m.workDir, fmt.Sprintf("AI Tool: %s - %s", toolName, summary))
	if err != nil {
		st.IsFailed = true
		st.FailureReason = err.Error()
		_ = m.store.Save(st)
		return err
	}
	st.LastActivityAt = time.Now()
	if committed {
		files, _ := changedFiles(ctx, m.workDir, hash)
		commit := ToolCallCommit{
			ToolName:     toolName,
			CommitHash:   hash,
			CommittedAt:  time.Now(),
			FilesChanged: files,
		}
		st.Commits = append(st.Commits, commit)
		if m.recorder != nil {
			if err := m.recorder.Create(ctx, st.SessionID, commit.ToolName, commit.CommitHash, commit.FilesChanged, commit.CommittedAt); err != nil {
				m.log.Warn("failed to record tool call commit", "session", st.SessionID, "commit", commit.CommitHash, "error", err)
			}
		}
	}
	return m.store.Save(st)
}

// Handle pairs a Manager with one session's State, giving the
// tool-execution interceptor a narrow CommitToolCall/Active surface
// without exposing Begin/Accept/Reject to it.
type Handle struct {
	mgr   *Manager
	state *State
}

func NewHandle(mgr *Manager, state *State) *Handle { return &Handle{mgr: mgr, state: state} }

func (h *Handle) Active() bool {
	return h != nil && h.state != nil && !h.mgr.disabled
}

func (h *Handle) CommitToolCall(ctx context.Context, toolName, summary string) error {
	if h == nil || h.state == nil {
		return nil
	}
	return h.mgr.CommitToolCall(ctx, h.state, toolName, summary)
}

// State exposes the underlying session State for callers that drive the
// session's terminal transition themselves (Accept/Reject), as opposed to
// the tool-execution interceptor, which only ever needs CommitToolCall.
func (h *Handle) State() *State {
	if h == nil {
		return nil
	}
	return h.state
}

// ConflictError is returned by Accept when the squash merge hits a
// conflict that needs manual resolution.
type ConflictError struct{ Err error }

func (e *ConflictError) Error() string { return "merge conflict requires manual resolution: " + e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// Accept squash-merges the shadow branch back onto the original branch.
func (m *Manager) Accept(ctx context.Context, st *State, commitMessage string) error {
	if m.disabled || st == nil {
		return nil
	}
	if err := checkout(ctx, m.workDir, st.OriginalBranch); err != nil {
		return fmt.Errorf("checkout original branch: %w", err)
	}

	conflict, err := squashMerge(ctx, m.workDir, st.ShadowBranch)
	if conflict {
		return &ConflictError{Err: err}
	}
	if err != nil {
		return fmt.Errorf("squash merge: %w", err)
	}

	if committed, _, err := addAllAndCommit(ctx, m.workDir, commitMessage); err != nil {
		return fmt.Errorf("commit squashed changes: %w", err)
	} else if committed {
		m.log.Debug("committed squashed shadow session changes", "session", st.SessionID)
	}

	if err := deleteBranchForced(ctx, m.workDir, st.ShadowBranch); err != nil {
		return fmt.Errorf("delete shadow branch: %w", err)
	}

	if st.StashRef != "" {
		if err := stashPop(ctx, m.workDir, st.StashRef); err != nil {
			m.log.Warn("failed to restore stash after accept; left on stash list", "session", st.SessionID, "error", err)
		}
	}

	now := time.Now()
	st.AcceptedAt = &now
	return m.store.Save(st)
}

// Reject discards the shadow branch and restores any stashed work.
func (m *Manager) Reject(ctx context.Context, st *State) error {
	return m.revert(ctx, st, false, "")
}

func (m *Manager) revert(ctx context.Context, st *State, failed bool, failureReason string) error {
	if m.disabled || st == nil {
		return nil
	}
	if err := checkout(ctx, m.workDir, st.OriginalBranch); err != nil {
		return fmt.Errorf("checkout original branch: %w", err)
	}
	if !m.keepFailed || !failed {
		if err := deleteBranchForced(ctx, m.workDir, st.ShadowBranch); err != nil {
			m.log.Warn("failed to delete shadow branch during revert", "branch", st.ShadowBranch, "error", err)
		}
	}
	if st.StashRef != "" {
		if err := stashPop(ctx, m.workDir, st.StashRef); err != nil {
			m.log.Warn("failed to restore stash during revert", "session", st.SessionID, "error", err)
		}
	}

	now := time.Now()
	if failed {
		st.IsFailed = true
		st.FailureReason = failureReason
	} else {
		st.RejectedAt = &now
	}
	return m.store.Save(st)
}

// LoadState loads a previously persisted session's state by id, for CLI
// paths (session accept/reject/resume) that act on a session started by an
// earlier process invocation rather than one just begun by this one.
func (m *Manager) LoadState(sessionID string) (*State, error) {
	return m.store.Load(sessionID)
}

// StartupCleanup enumerates persisted sessions and auto-reverts any that
// satisfy ShouldAutoRevert.
func (m *Manager) StartupCleanup(ctx context.Context) error {
	ids, err := m.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := m.store.Load(id)
		if err != nil {
			m.log.Warn("failed to load git session state during startup cleanup", "session", id, "error", err)
			continue
		}
		if st.Terminal() {
			continue
		}
		orphaned := processGone(st.OwnerPID)
		if !st.ShouldAutoRevert(time.Now(), m.revertTimeout, orphaned) {
			continue
		}
		m.log.Info("auto-reverting abandoned git session", "session", id, "shadow_branch", st.ShadowBranch)
		if err := m.revert(ctx, st, true, "auto-revert on startup cleanup"); err != nil {
			m.log.Error("auto-revert failed", "session", id, "error", err)
		}
	}
	return nil
}

func processGone(pid int) bool {
	if pid <= 0 {
		return true
	}
	return !processAlive(pid)
}
