// Command codepunk is the CLI shell: a thin kong front end over the
// fx-composed collaborator graph (config, logging, storage, provider
// adapter, tool dispatcher, git shadow sessions, metrics) feeding the
// chat session orchestrator. A plain, glamour/lipgloss-rendered console
// shell rather than an interactive TUI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	isatty "github.com/mattn/go-isatty"
	"go.uber.org/fx"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
	"github.com/neilgilbert/codepunk/internal/gitsession"
	"github.com/neilgilbert/codepunk/internal/orchestrator"
	"github.com/neilgilbert/codepunk/internal/storage"
)

var version = "0.1.0"

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("codepunk %s\n", version)
	return nil
}

type runCmd struct{}

// sessionCmd is the "session" command group alongside the default run
// path: ask/accept/reject/resume act on a specific session id instead of
// the default command's throwaway one, letting a shadow git session
// started by an earlier invocation be reviewed and finalized later.
type sessionCmd struct {
	Ask    sessionAskCmd    `cmd:"" help:"Send one prompt to a session, creating it if --session is omitted"`
	Accept sessionAcceptCmd `cmd:"" help:"Accept a session's shadow git changes onto the original branch"`
	Reject sessionRejectCmd `cmd:"" help:"Discard a session's shadow git changes"`
	Resume sessionResumeCmd `cmd:"" help:"Resume an interactive console shell against an existing session"`
}

type sessionAskCmd struct {
	Session string `help:"Existing session id; a new one is created when omitted"`
	Prompt  string `arg:"" help:"Prompt text to send"`
}

type sessionAcceptCmd struct {
	Session string `arg:"" help:"Session id to accept"`
	Message string `help:"Commit message for the squash merge" default:"codepunk: accept session changes"`
}

type sessionRejectCmd struct {
	Session string `arg:"" help:"Session id to reject"`
}

type sessionResumeCmd struct {
	Session string `arg:"" help:"Session id to resume"`
}

var cli struct {
	Version      versionCmd `cmd:"version" help:"Print version information"`
	Prompt       string     `short:"p" help:"Send a single prompt non-interactively and exit"`
	Config       string     `help:"Path to an additional config file to layer on top of defaults"`
	Provider     string     `help:"Override the configured LLM provider"`
	Model        string     `help:"Override the configured model"`
	NoGitSession bool       `name:"no-git-session" help:"Disable the shadow git session subsystem for this invocation"`
	Debug        bool       `help:"Enable debug logging"`
	Session      sessionCmd `cmd:"" help:"Act on a specific session (ask/accept/reject/resume)"`
	Run          runCmd     `cmd:"" default:"1" help:"Run the interactive console shell"`
}

func main() {
	kctx := kong.Parse(&cli)

	if kctx.Command() == "version" {
		if err := kctx.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if cli.NoGitSession {
		os.Setenv("CODEPUNK_GIT_SESSION_DISABLED", "1")
	}

	app, deps, db, err := buildApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error starting: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
		_ = db.Close()
	}()

	if cli.Prompt != "" {
		if err := runOnePrompt(context.Background(), deps, cli.Prompt); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := kctx.Run(deps); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildApp assembles the fx dependency graph and extracts it into an
// OrchestratorDeps the command handlers drive directly, since the
// orchestrator's ToolExecutor is session-scoped (it closes over whichever
// gitsession.Handle Begin returns for that session) rather than something
// fx can construct once at container build time.
func buildApp() (*fx.App, *OrchestratorDeps, *storage.DB, error) {
	var deps OrchestratorDeps
	var db *storage.DB

	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			ProvideLogger,
			ProvideConfig,
			ProvideRepoInfo,
			ProvideAuthStore,
			ProvideDB,
			ProvideSessionRepository,
			ProvideMessageRepository,
			ProvideToolCallCommitRepository,
			ProvideMetrics,
			ProvideProviderAdapter,
			ProvideToolExecutor,
			ProvideGitSession,
		),
		fx.Populate(
			&deps.Cfg, &deps.Logger, &deps.Sessions, &deps.Messages,
			&deps.Provider, &deps.Dispatcher, &deps.GitSession, &deps.Metrics,
			&db,
		),
	)
	if err := app.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("build dependency graph: %w", err)
	}
	return app, &deps, db, nil
}

// (r runCmd) Run is invoked by kong when no explicit subcommand is given.
// It reads deps back via kong's bind mechanism (passed to kctx.Run above).
func (r *runCmd) Run(deps *OrchestratorDeps) error {
	ctx := context.Background()
	if err := deps.GitSession.StartupCleanup(ctx); err != nil {
		deps.Logger.Warn("git session startup cleanup failed", "error", err)
	}

	sessionID := uuid.NewString()
	if err := deps.Sessions.Create(ctx, chatmodel.Session{
		ID: sessionID, Title: "console session", CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return runInteractive(ctx, deps, sessionID, "codepunk: accept session changes")
}

func runOnePrompt(ctx context.Context, deps *OrchestratorDeps, prompt string) error {
	sessionID := uuid.NewString()
	if err := deps.Sessions.Create(ctx, chatmodel.Session{
		ID: sessionID, Title: "one-shot prompt", CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	orch, handle, err := sessionOrchestrator(ctx, *deps, sessionID)
	if err != nil {
		return err
	}

	styles := plainRoleStyles()
	if err := streamAndRender(ctx, orch, sessionID, prompt, styles, nil); err != nil {
		return err
	}
	if handle.Active() {
		return deps.GitSession.Accept(ctx, gitStateOf(handle), "codepunk: accept one-shot prompt changes")
	}
	return nil
}

// (c *sessionAskCmd) Run sends one prompt to a session, creating it first
// when --session is omitted. The session (and its shadow git branch, if
// any) is left open afterward for a later "session accept"/"session
// reject"/"session resume" call rather than auto-accepted, unlike the
// default run/prompt paths which accept on their own exit.
func (c *sessionAskCmd) Run(deps *OrchestratorDeps) error {
	ctx := context.Background()
	sessionID := c.Session
	if sessionID == "" {
		sessionID = uuid.NewString()
		if err := deps.Sessions.Create(ctx, chatmodel.Session{
			ID: sessionID, Title: "session ask", CreatedAt: time.Now(), LastActivityAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	orch, _, err := sessionOrchestrator(ctx, *deps, sessionID)
	if err != nil {
		return err
	}
	if err := streamAndRender(ctx, orch, sessionID, c.Prompt, plainRoleStyles(), nil); err != nil {
		return err
	}
	fmt.Printf("session: %s\n", sessionID)
	return nil
}

func (c *sessionAcceptCmd) Run(deps *OrchestratorDeps) error {
	ctx := context.Background()
	state, err := deps.GitSession.LoadState(c.Session)
	if err != nil {
		return fmt.Errorf("load session %s: %w", c.Session, err)
	}
	if err := deps.GitSession.Accept(ctx, state, c.Message); err != nil {
		return fmt.Errorf("accept session %s: %w", c.Session, err)
	}
	deps.Metrics.GitSessionClosed()
	fmt.Printf("accepted session %s\n", c.Session)
	return nil
}

func (c *sessionRejectCmd) Run(deps *OrchestratorDeps) error {
	ctx := context.Background()
	state, err := deps.GitSession.LoadState(c.Session)
	if err != nil {
		return fmt.Errorf("load session %s: %w", c.Session, err)
	}
	if err := deps.GitSession.Reject(ctx, state); err != nil {
		return fmt.Errorf("reject session %s: %w", c.Session, err)
	}
	deps.Metrics.GitSessionClosed()
	fmt.Printf("rejected session %s\n", c.Session)
	return nil
}

// (c *sessionResumeCmd) Run reopens an interactive console shell against a
// session id from an earlier invocation; history is loaded from storage by
// sessionOrchestrator/SendMessageStream the same way a continuing in-process
// conversation would be, and any still-open shadow git session is picked up
// by sessionOrchestrator's LoadState-before-Begin check rather than starting
// a second shadow branch for the same session.
func (c *sessionResumeCmd) Run(deps *OrchestratorDeps) error {
	ctx := context.Background()
	if _, err := deps.Sessions.Get(ctx, c.Session); err != nil {
		return fmt.Errorf("load session %s: %w", c.Session, err)
	}
	return runInteractive(ctx, deps, c.Session, "codepunk: accept resumed session changes")
}

// runInteractive drives the line-oriented REPL shared by the default run
// command and session resume; it refuses to start when stdin/stdout aren't
// a terminal, since there's no way to prompt the user there, and accepts
// any open shadow git session on clean exit.
func runInteractive(ctx context.Context, deps *OrchestratorDeps, sessionID, acceptMessage string) error {
	interactive := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
	if !interactive {
		fmt.Println("codepunk requires a terminal for interactive mode; pass -p to run a single prompt.")
		return nil
	}
	styles := newRoleStyles()

	orch, handle, err := sessionOrchestrator(ctx, *deps, sessionID)
	if err != nil {
		return err
	}

	renderer := buildRenderer()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println(styles.assistant.Render("codepunk console. Ctrl-D to exit."))
	for {
		fmt.Print(styles.user.Render("> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := streamAndRender(ctx, orch, sessionID, line, styles, renderer); err != nil {
			fmt.Println(styles.errorText.Render(err.Error()))
		}
	}

	if handle.Active() {
		if err := deps.GitSession.Accept(ctx, gitStateOf(handle), acceptMessage); err != nil {
			deps.Logger.Warn("failed to accept git shadow session on exit", "error", err)
		}
	}
	return nil
}

// sessionOrchestrator wires sessionID's shadow git session (resuming one
// already begun by an earlier invocation via LoadState, or starting a fresh
// one via Begin) into a new Interceptor, then builds the orchestrator that
// uses it. One call per conversation.
func sessionOrchestrator(ctx context.Context, deps OrchestratorDeps, sessionID string) (*orchestrator.Orchestrator, *gitsession.Handle, error) {
	state, err := deps.GitSession.LoadState(sessionID)
	if err != nil || state == nil || state.Terminal() {
		state, err = deps.GitSession.Begin(ctx, sessionID)
		if err != nil {
			deps.Logger.Warn("failed to begin git shadow session; continuing without it", "error", err)
		}
	}
	handle := gitsession.NewHandle(deps.GitSession, state)
	if handle.Active() {
		deps.Metrics.GitSessionOpened()
	}

	base := orchestrator.NewToolExecutorFunc(func(ctx context.Context, name, argsJSON string) orchestrator.ToolExecResult {
		res := deps.Dispatcher.Execute(ctx, name, argsJSON)
		return orchestrator.ToolExecResult{Content: res.Content, IsError: res.IsError, UserCancelled: res.UserCancelled}
	})
	onFailure := func() {
		if handle.Active() {
			deps.Metrics.GitSessionClosed()
		}
	}
	interceptor := orchestrator.NewInterceptor(base, handle, deps.Logger, onFailure)

	return newOrchestrator(deps, interceptor), handle, nil
}

func streamAndRender(ctx context.Context, orch *orchestrator.Orchestrator, sessionID, text string, styles roleStyles, renderer *glamour.TermRenderer) error {
	var out strings.Builder
	for chunk := range orch.SendMessageStream(ctx, sessionID, text) {
		if strings.HasPrefix(chunk.ContentDelta, orchestrator.ToolStatusPrefix) {
			fmt.Println(styles.tool.Render("  [tool] " + strings.TrimPrefix(chunk.ContentDelta, orchestrator.ToolStatusPrefix)))
			continue
		}
		out.WriteString(chunk.ContentDelta)
	}
	rendered := out.String()
	if renderer != nil {
		if md, err := renderer.Render(rendered); err == nil {
			rendered = md
		}
	}
	fmt.Println(styles.assistant.Render("assistant:"))
	fmt.Println(rendered)
	return nil
}

func buildRenderer() *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return nil
	}
	return r
}

// gitStateOf extracts the underlying *gitsession.State from a Handle for
// the Accept call. Package-internal fields aren't exported, so this goes
// through the Handle's own CommitToolCall/Active surface everywhere else;
// Accept is the one lifecycle call the console shell itself drives (the
// interceptor only ever needs CommitToolCall), so it needs the State
// gitsession.NewHandle wrapped.
func gitStateOf(h *gitsession.Handle) *gitsession.State {
	return h.State()
}
