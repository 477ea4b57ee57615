// Occam is a personal assistant reachable over Signal, email and the
// terminal. Every channel feeds the same agent, and a conversation can
// move between channels by quoting one of Occam's replies.
//
// Usage:
//
//	occam serve              Start every enabled channel
//	occam init [dir]         Write an example config.yaml
//	occam ask [question]     Ask one question (or read it from stdin)
//	occam usage [days]       Summarize exchanges over the last days (default 7)
//	occam version            Print version and build information
//	occam -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/occam-assistant/internal/agent"
	"github.com/nugget/occam-assistant/internal/assistant"
	"github.com/nugget/occam-assistant/internal/buildinfo"
	"github.com/nugget/occam-assistant/internal/calendar"
	"github.com/nugget/occam-assistant/internal/channel"
	"github.com/nugget/occam-assistant/internal/cli"
	"github.com/nugget/occam-assistant/internal/config"
	"github.com/nugget/occam-assistant/internal/connwatch"
	"github.com/nugget/occam-assistant/internal/email"
	"github.com/nugget/occam-assistant/internal/httpkit"
	"github.com/nugget/occam-assistant/internal/llm"
	"github.com/nugget/occam-assistant/internal/search"
	occamsignal "github.com/nugget/occam-assistant/internal/signal"
	"github.com/nugget/occam-assistant/internal/thread"
	"github.com/nugget/occam-assistant/internal/tools"
	"github.com/nugget/occam-assistant/internal/usage"
)

// main builds the OS-level environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime; stdin
// feeds the terminal channel and the ask command; replies go to stdout
// and logs to stderr, so an interactive prompt is not interleaved with
// log lines.
//
// Arguments are parsed by hand: the flag package's global state gets
// in the way of calling run from parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdin, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdin, stdout, stderr, configPath, cmdArgs)
	case "usage":
		return runUsage(ctx, stdout, configPath, cmdArgs, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	fmt.Fprintln(w, b)
	if b.BuildTime != "" {
		fmt.Fprintf(w, "  built:  %s\n", b.BuildTime)
	}
	fmt.Fprintf(w, "  commit: %s\n", b.ShortCommit())
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Occam - personal assistant for Signal, email and the terminal")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: occam [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start every enabled channel")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [text]     Ask one question; reads stdin when no text is given")
	fmt.Fprintln(w, "  usage [days]   Summarize exchanges and tokens (default: 7 days)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk answers one question on the terminal thread and exits. The
// question comes from the arguments, or from stdin when there are none.
func runAsk(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, args []string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	in := stdin
	if len(args) > 0 {
		in = strings.NewReader(strings.Join(args, " "))
	}
	pipe := false
	term := cli.New(cli.Config{
		In:          in,
		Out:         stdout,
		Dispatcher:  app.dispatcher,
		Logger:      logger,
		Interactive: &pipe,
	})
	if err := term.Run(ctx); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return app.drain(cfg.HandleTimeout)
}

// runUsage prints exchange and token totals for the last days, per
// channel.
func runUsage(ctx context.Context, stdout io.Writer, configPath string, args []string, outputFmt string) error {
	days := 7
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: occam usage [days]")
		}
		days = n
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ledger, err := usage.NewStore(filepath.Join(cfg.DataDir, "occam.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	total, err := ledger.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byChannel, err := ledger.SummaryByChannel(ctx, start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"days": days, "total": total, "channels": byChannel})
	}

	fmt.Fprintf(stdout, "Last %d days\n", days)
	row := func(name string, s *usage.Summary) {
		fmt.Fprintf(stdout, "  %-8s %6d exchanges  %6d failed  %9d in  %9d out  %5d tool calls\n",
			name, s.Exchanges, s.Failed, s.InputTokens, s.OutputTokens, s.ToolCalls)
	}
	for _, ch := range []channel.Kind{channel.Signal, channel.Email, channel.CLI} {
		if s, ok := byChannel[string(ch)]; ok {
			row(string(ch), s)
		}
	}
	row("total", total)
	return nil
}

// runServe starts every enabled channel and blocks until a shutdown
// signal arrives, the terminal session ends, or a channel fails.
// In-flight exchanges are allowed to finish before it returns.
func runServe(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting Occam", "version", buildinfo.Current().Version, "commit", buildinfo.Current().ShortCommit())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	g, gctx := errgroup.WithContext(ctx)
	channels := 0

	health := connwatch.NewManager(logger)
	health.Watch(gctx, connwatch.WatchConfig{Name: "llm", Probe: app.llm.Ping})

	var bridge *occamsignal.Bridge
	if cfg.Signal.Enabled {
		gateway := occamsignal.NewClient(cfg.Signal.APIURL, cfg.Signal.Number, logger)
		health.Watch(gctx, connwatch.WatchConfig{Name: "signal", Probe: gateway.Ping})
		bridge = occamsignal.NewBridge(occamsignal.BridgeConfig{
			Client:      gateway,
			Threads:     app.store,
			Dispatcher:  app.dispatcher,
			Logger:      logger,
			PollTimeout: cfg.Signal.PollTimeout,
		})
		g.Go(func() error { return bridge.Run(gctx) })
		channels++
		logger.Info("signal channel enabled", "api_url", cfg.Signal.APIURL)
	}

	if cfg.Email.Enabled {
		imap := email.NewClient(email.IMAPConfig{
			Host:     cfg.Email.IMAP.Host,
			Port:     cfg.Email.IMAP.Port,
			Username: cfg.Email.IMAP.Username,
			Password: cfg.Email.IMAP.Password,
			TLS:      !cfg.Email.IMAP.NoTLS,
		}, logger)
		defer imap.Close()
		health.Watch(gctx, connwatch.WatchConfig{Name: "imap", Probe: imap.Ping})

		listener := email.NewListener(email.ListenerConfig{
			Source:         imap,
			Dispatcher:     app.dispatcher,
			Reply:          emailReplier(cfg, bridge, logger),
			Logger:         logger,
			AllowedSenders: cfg.Email.AllowedSenders,
			PollInterval:   cfg.Email.PollInterval,
			RateLimit:      cfg.Email.RateLimit,
		})
		g.Go(func() error { return listener.Run(gctx) })
		channels++
		logger.Info("email channel enabled", "host", cfg.Email.IMAP.Host, "poll_interval", cfg.Email.PollInterval)
	}

	if cfg.CLI.IsEnabled() {
		term := cli.New(cli.Config{In: stdin, Out: stdout, Dispatcher: app.dispatcher, Logger: logger})
		if term.Interactive() {
			// A blocked terminal read cannot be interrupted, so the
			// group does not wait for the prompt. Leaving the prompt
			// ends the process.
			go func() {
				if err := term.Run(gctx); err != nil {
					logger.Error("terminal channel failed", "error", err)
				}
				stop()
			}()
			channels++
		} else {
			logger.Debug("stdin is not a terminal, CLI channel not started")
		}
	}

	if channels == 0 {
		return errors.New("no channels enabled (signal, email, or cli on a terminal)")
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	for _, st := range health.Status() {
		logger.Debug("service status at shutdown", "service", st.Name, "ready", st.Ready, "last_error", st.LastError)
	}
	logger.Info("shutting down, waiting for in-flight exchanges", "pending", app.dispatcher.Pending())
	if derr := app.drain(cfg.HandleTimeout); derr != nil {
		logger.Warn("exchanges still running at shutdown", "error", derr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Occam stopped")
	return nil
}

// emailReplier routes email answers through the chat transport when it
// is running, so they reach the owner's phone with a subject label.
// Otherwise the answer goes back to the sender over SMTP.
func emailReplier(cfg *config.Config, bridge *occamsignal.Bridge, logger *slog.Logger) email.ReplyFunc {
	smtpCfg := email.SMTPConfig{
		Host:     cfg.Email.SMTP.Host,
		Port:     cfg.Email.SMTP.Port,
		Username: cfg.Email.SMTP.Username,
		Password: cfg.Email.SMTP.Password,
		From:     cfg.Email.SMTP.From,
		StartTLS: cfg.Email.SMTP.StartTLS,
	}
	return func(m *email.Message, threadID string) channel.Replier {
		if bridge != nil {
			return bridge.Notifier(threadID, email.ReplyLabel(m))
		}
		return email.NewSMTPReplier(smtpCfg, m, logger)
	}
}

// setup loads and validates the configuration and builds the logger.
func setup(stderr io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// app is the channel-independent core: model, tools, history and the
// dispatcher every listener feeds.
type app struct {
	store      *thread.Store
	ledger     *usage.Store
	llm        llm.Client
	dispatcher *assistant.Dispatcher
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "occam.db")
	store, err := thread.NewStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	ledger, err := usage.NewStore(dbPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	llmClient := createLLMClient(cfg, logger)

	loc := cfg.Owner.Location()
	reg := tools.NewRegistry(logger)
	reg.RegisterBuiltins(tools.Builtins{
		Search:   createSearchManager(cfg, logger),
		Calendar: openCalendar(ctx, cfg, logger),
		Location: loc,
	})

	loop := agent.NewLoop(llmClient, cfg.LLM.Model, reg, loc, logger)
	handler := assistant.NewHandler(assistant.HandlerConfig{
		Runner:  loop,
		History: store,
		Ledger:  ledger,
		Model:   cfg.LLM.Model,
		Logger:  logger,
	})
	dispatcher := assistant.NewDispatcher(assistant.DispatcherConfig{
		Handler:       handler,
		Logger:        logger,
		Workers:       cfg.Workers,
		HandleTimeout: cfg.HandleTimeout,
	})

	logger.Info("assistant ready",
		"model", cfg.LLM.Model,
		"timezone", loc.String(),
		"tools", len(reg.List()),
		"workers", cfg.Workers,
	)
	return &app{store: store, ledger: ledger, llm: llmClient, dispatcher: dispatcher, logger: logger}, nil
}

// drain waits up to timeout for dispatched exchanges to finish.
func (a *app) drain(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.dispatcher.Wait(ctx)
}

func (a *app) close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Error("close usage ledger", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close thread store", "error", err)
	}
}

// openCalendar connects to CalDAV when configured. A failure leaves the
// calendar tools answering "not configured" rather than stopping
// startup.
func openCalendar(ctx context.Context, cfg *config.Config, logger *slog.Logger) tools.CalendarService {
	if !cfg.Calendar.Configured() {
		return nil
	}
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	cal, err := calendar.Open(ctx, calendar.Config{
		URL:      cfg.Calendar.URL,
		Username: cfg.Calendar.Username,
		Password: cfg.Calendar.Password,
		Path:     cfg.Calendar.Path,
	}, httpClient, logger)
	if err != nil {
		logger.Error("calendar unavailable", "url", cfg.Calendar.URL, "error", err)
		return nil
	}
	return cal
}

func createSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Provider, logger)
	mgr.Register(search.NewDuckDuckGo())
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	return mgr
}

// createLLMClient routes models listed under ollama.models to Ollama
// and everything else to Anthropic. With only one backend configured,
// it serves every model.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	var anthropic, ollama llm.Client
	if cfg.LLM.Anthropic.APIKey != "" {
		anthropic = llm.NewAnthropicClient(cfg.LLM.Anthropic.APIKey, cfg.LLM.MaxTokens, logger)
	}
	if cfg.LLM.Ollama.URL != "" {
		ollama = llm.NewOllamaClient(cfg.LLM.Ollama.URL, logger)
	}

	def := "anthropic"
	if anthropic == nil {
		def = "ollama"
	}
	router := llm.NewRouter(def).
		Backend("anthropic", anthropic).
		Backend("ollama", ollama, cfg.LLM.Ollama.Models...)
	logger.Info("LLM client initialized", "model", cfg.LLM.Model, "default_backend", router.Default(), "backends", router.Backends())
	return router
}

// loadConfig locates and parses the configuration file, returning the
// path it loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
