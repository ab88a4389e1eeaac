// ABOUTME: Entry point for the sidechat CLI
// ABOUTME: Wires config, store, watcher, session controller, and the REPL

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/sidechat/sidechat/internal/config"
	"github.com/sidechat/sidechat/internal/identity"
	"github.com/sidechat/sidechat/internal/retry"
	"github.com/sidechat/sidechat/internal/session"
	"github.com/sidechat/sidechat/internal/store"
	"github.com/sidechat/sidechat/internal/view"
)

const banner = `
     _     _           _           _
 ___(_) __| | ___  ___| |__   __ _| |_
/ __| |/ _' |/ _ \/ __| '_ \ / _' | __|
\__ \ | (_| |  __/ (__| | | | (_| | |_
|___/_|\__,_|\___|\___|_| |_|\__,_|\__|
`

// getConfigPath returns the path to the config file.
// Priority: SIDECHAT_CONFIG env var > XDG_CONFIG_HOME/sidechat/config.yaml > ~/.config/sidechat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SIDECHAT_CONFIG"); envPath != "" {
		return envPath
	}
	path := filepath.Join(configDir(), "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return "" // defaults
	}
	return path
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "sidechat")
}

// getDataPath returns the path to the sidechat data directory.
// Priority: XDG_DATA_HOME/sidechat > ~/.local/share/sidechat
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "sidechat")
}

func main() {
	// .env is optional; missing files are fine
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "key" {
		if err := runKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runKey implements `sidechat key set <key>` and `sidechat key show`.
func runKey(args []string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}
	creds := identity.NewCredentialFile(credentialPath(cfg))

	if len(args) == 0 {
		return fmt.Errorf("usage: sidechat key set <key> | sidechat key show")
	}
	switch args[0] {
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: sidechat key set <key>")
		}
		if err := creds.Set(args[1]); err != nil {
			return err
		}
		fmt.Println("API key saved to", creds.Path)
		return nil
	case "show":
		key, err := creds.Credential(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(masked(key))
		return nil
	default:
		return fmt.Errorf("unknown key command %q", args[0])
	}
}

func masked(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func credentialPath(cfg *config.Config) string {
	if cfg.Credentials.Path != "" {
		return cfg.Credentials.Path
	}
	return filepath.Join(configDir(), "credentials.toml")
}

func run() error {
	configPath := flag.String("config", getConfigPath(), "path to config file")
	oneShot := flag.String("m", "", "send a single prompt and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := identity.NewCredentialFile(credentialPath(cfg))
	ident := identity.New(creds)
	broker := identity.NewBroker(logger)
	ident.Bind(broker)

	persister, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer persister.Close()

	st, err := store.New(ctx, persister, ident.ContextID, store.Options{
		MaxEncodedBytes: cfg.Store.MaxEncodedBytes,
		Retention:       cfg.Store.Retention,
		SaveDebounce:    cfg.Store.SaveDebounce,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	go st.Watch(ctx, cfg.Store.WatchInterval)

	controller := session.New(session.Config{
		Endpoint:    cfg.Endpoint.URL,
		Model:       cfg.Endpoint.Model,
		Temperature: cfg.Endpoint.Temperature,
		MaxTokens:   cfg.Endpoint.MaxTokens,
		Credentials: &identity.BrokerCredentials{Broker: broker},
		Policy:      policyFrom(cfg.Retry),
		Logger:      logger,
	}, st)

	if *oneShot != "" {
		return runOneShot(ctx, st, controller, *oneShot)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	fmt.Println("Commands: /new /list /switch <id> /delete /cancel /key <value> /quit")
	fmt.Println()

	binding := view.NewBinding(st, view.NewTerminalRenderer(os.Stdout), logger)
	go binding.Run(ctx)

	return repl(ctx, st, controller, creds)
}

// runOneShot sends one prompt into a fresh conversation and prints the
// settled reply.
func runOneShot(ctx context.Context, st *store.Store, controller *session.Controller, prompt string) error {
	convID, err := st.NewConversation(ctx, "")
	if err != nil {
		return err
	}
	if err := controller.Start(ctx, convID, prompt); err != nil {
		return err
	}

	select {
	case <-controller.Done():
	case <-ctx.Done():
		controller.Cancel()
		<-controller.Done()
	}
	if err := st.Flush(context.Background()); err != nil {
		slog.Warn("final flush failed", "error", err)
	}

	c := st.Snapshot().Conversation(convID)
	if c == nil || c.LastMessage() == nil {
		return fmt.Errorf("no reply recorded")
	}
	last := c.LastMessage()
	if controller.State() != session.StateSucceeded {
		if last.Status != nil {
			return errors.New(last.Status.Text)
		}
		return fmt.Errorf("session ended in state %s", controller.State())
	}
	fmt.Println(last.Content)
	return nil
}

func repl(ctx context.Context, st *store.Store, controller *session.Controller, creds *identity.CredentialFile) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	prompt := color.New(color.FgGreen, color.Bold)

	for {
		prompt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, st, controller, creds, line); quit {
				break
			}
			continue
		}

		err := controller.Start(ctx, st.Snapshot().CurrentConversationID, line)
		switch {
		case errors.Is(err, session.ErrSessionActive):
			fmt.Println("a reply is still streaming; /cancel to abort it")
		case err != nil:
			fmt.Println("could not start:", err)
		}
	}

	controller.Cancel()
	if err := st.Flush(context.Background()); err != nil {
		slog.Warn("final flush failed", "error", err)
	}
	return scanner.Err()
}

// command handles one slash command. Returns true on /quit.
func command(ctx context.Context, st *store.Store, controller *session.Controller, creds *identity.CredentialFile, line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/q":
		return true

	case "/new":
		if _, err := st.NewConversation(ctx, ""); err != nil {
			fmt.Println("could not create conversation:", err)
		}

	case "/list":
		snap := st.Snapshot()
		for _, conv := range snap.Conversations {
			marker := "  "
			if conv.ID == snap.CurrentConversationID {
				marker = "* "
			}
			fmt.Printf("%s%s  %s\n", marker, conv.ID[:8], conv.Title)
		}

	case "/switch":
		if arg == "" {
			fmt.Println("usage: /switch <id prefix>")
			return false
		}
		id := resolveID(st, arg)
		if id == "" {
			fmt.Println("no conversation matches", arg)
			return false
		}
		if err := st.SetCurrent(ctx, id); err != nil {
			fmt.Println("could not switch:", err)
		}

	case "/delete":
		controller.Cancel()
		if err := st.DeleteConversation(ctx, st.Snapshot().CurrentConversationID); err != nil {
			fmt.Println("could not delete:", err)
		}

	case "/cancel":
		controller.Cancel()

	case "/key":
		if arg == "" {
			fmt.Println("usage: /key <value>")
			return false
		}
		if err := creds.Set(arg); err != nil {
			fmt.Println("could not save key:", err)
		} else {
			fmt.Println("API key saved")
		}

	default:
		fmt.Println("unknown command", fields[0])
	}
	return false
}

// resolveID matches a conversation by id prefix.
func resolveID(st *store.Store, prefix string) string {
	for _, conv := range st.Snapshot().Conversations {
		if strings.HasPrefix(conv.ID, prefix) {
			return conv.ID
		}
	}
	return ""
}

func openPersister(cfg *config.Config) (store.Persister, error) {
	path := cfg.Database.Path
	if path == "" {
		dataDir := getDataPath()
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = filepath.Join(dataDir, "snapshot.db")
	}

	switch cfg.Database.Driver {
	case "bolt":
		return store.NewBoltPersister(path)
	default:
		return store.NewSQLitePersister(path)
	}
}

func policyFrom(rc config.RetryConfig) retry.Policy {
	p := retry.Default()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.StallThreshold > 0 {
		p.StallThreshold = rc.StallThreshold
	}
	if rc.RetryDelay > 0 {
		p.RetryDelay = rc.RetryDelay
	}
	if rc.SessionCeiling > 0 {
		p.SessionCeiling = rc.SessionCeiling
	}
	return p
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
