// ABOUTME: Entry point for the passcode-master coordinator
// ABOUTME: Runs the store coordinator and the optional websocket feed

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/KunoiSayami/passcode-master/internal/bus"
	"github.com/KunoiSayami/passcode-master/internal/config"
	"github.com/KunoiSayami/passcode-master/internal/coordinator"
	"github.com/KunoiSayami/passcode-master/internal/feed"
	"github.com/KunoiSayami/passcode-master/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ __   __ _ ___ ___  ___ ___   __| | ___
 | '_ \ / _' / __/ __|/ __/ _ \ / _' |/ _ \
 | |_) | (_| \__ \__ \ (_| (_) | (_| |  __/
 | .__/ \__,_|___/___/\___\___/ \__,_|\___|
 |_|                                master
`

// getConfigPath returns the path to the config file.
// Priority: PASSCODE_CONFIG env var > XDG_CONFIG_HOME/passcode-master/config.toml
// > ~/.config/passcode-master/config.toml
func getConfigPath() string {
	if envPath := os.Getenv("PASSCODE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "passcode-master", "config.toml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: passcode-master <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the coordinator")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  hashkey    Hash a feed access key for the config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "hashkey":
		err = runHashKey()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Web.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Feed:      %s\n", cfg.Web.Bind)
	}
	fmt.Println()

	logger.Info("starting passcode-master",
		"config", configPath,
		"database", cfg.Database.Path,
		"web_enabled", cfg.Web.Enabled,
	)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	busBuffer := cfg.Coordinator.BusBuffer
	if busBuffer <= 0 {
		busBuffer = bus.DefaultBufferSize
	}
	b := bus.New(busBuffer)

	coord, handle := coordinator.Start(st, b, coordinator.Options{
		QueueSize:     cfg.Coordinator.QueueSize,
		CookieCeiling: cfg.Coordinator.CookieCeiling,
		Logger:        logger.With("component", "coordinator"),
	})

	var (
		wg      sync.WaitGroup
		feedErr error
	)
	if cfg.Web.Enabled {
		srv, err := feed.New(b, feed.Options{
			Bind:          cfg.Web.Bind,
			AccessKeyHash: cfg.Web.AccessKey,
			Version:       version,
			Logger:        logger.With("component", "feed"),
		})
		if err != nil {
			_ = handle.Terminate(context.Background())
			_ = coord.Wait()
			return fmt.Errorf("creating feed server: %w", err)
		}

		feedCtx, feedCancel := context.WithCancel(context.Background())
		defer feedCancel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			feedErr = srv.Run(feedCtx)
		}()
		go func() {
			// Stop the feed once the coordinator is gone, whatever the cause.
			<-coord.Done()
			feedCancel()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		if err := handle.Terminate(context.Background()); err != nil {
			logger.Error("requesting terminate", "error", err)
		}
	case <-coord.Done():
	}

	coordErr := coord.Wait()
	wg.Wait()
	b.Close()

	if coordErr != nil {
		return coordErr
	}
	return feedErr
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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runHashKey reads the feed access key and prints its bcrypt hash for the
// web.access_key config field. The key is read from the terminal without
// echo, or from stdin when piped.
func runHashKey() error {
	var key []byte
	var err error

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Access key: ")
		key, err = term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
	} else {
		reader := bufio.NewReader(os.Stdin)
		var line string
		line, err = reader.ReadString('\n')
		key = []byte(strings.TrimSpace(line))
	}
	if err != nil {
		return fmt.Errorf("reading access key: %w", err)
	}
	if len(key) == 0 {
		return fmt.Errorf("access key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(key, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing access key: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("passcode-master configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", "passcode.db")

	fmt.Println("\n--- Administrators ---")
	admins := prompt(reader, "Admin account IDs (comma separated)", "")

	fmt.Println("\n--- Websocket Feed ---")
	enableWeb := prompt(reader, "Enable the websocket feed?", "no")
	webEnabled := strings.ToLower(enableWeb) == "yes" || strings.ToLower(enableWeb) == "y"

	var webBind, webKey string
	if webEnabled {
		webBind = prompt(reader, "Feed bind address", "127.0.0.1:8080")
		webKey = prompt(reader, "Access key hash (from: passcode-master hashkey)", "")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# passcode-master configuration\n")
	cfg.WriteString("# Generated by passcode-master init\n\n")

	if admins != "" {
		ids := strings.Split(admins, ",")
		for i, id := range ids {
			ids[i] = strings.TrimSpace(id)
		}
		cfg.WriteString(fmt.Sprintf("admin = [%s]\n\n", strings.Join(ids, ", ")))
	} else {
		cfg.WriteString("admin = []\n\n")
	}

	cfg.WriteString("[database]\n")
	cfg.WriteString(fmt.Sprintf("path = \"%s\"\n\n", dbPath))

	cfg.WriteString("[web]\n")
	cfg.WriteString(fmt.Sprintf("enabled = %t\n", webEnabled))
	if webEnabled {
		cfg.WriteString(fmt.Sprintf("bind = \"%s\"\n", webBind))
		cfg.WriteString(fmt.Sprintf("access_key = \"%s\"\n", webKey))
	}
	cfg.WriteString("\n")

	cfg.WriteString("[logging]\n")
	cfg.WriteString(fmt.Sprintf("level = \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("format = \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the coordinator:")
	fmt.Printf("  passcode-master serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
