// ABOUTME: Entry point for the desk-gateway server
// ABOUTME: Bridges browser chat clients to computer-use agent sessions

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/2389/desk-gateway/internal/agent"
	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/coordinator"
	"github.com/2389/desk-gateway/internal/fanout"
	"github.com/2389/desk-gateway/internal/gateway"
	"github.com/2389/desk-gateway/internal/store"
	"github.com/2389/desk-gateway/internal/webui"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _           _                       _
  __| | ___  ___| | __      __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _ \/ __| |/ /_____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| |  __/\__ \   <_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\___||___/_|\_\     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                           |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: DESK_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/desk-gateway/gateway.yaml > ~/.config/desk-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DESK_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "desk-gateway", "gateway.yaml")
}

// getCredentialsPath returns the path to the CLI credentials file,
// stored next to the config.
func getCredentialsPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "credentials.toml")
}

// credentials is the TOML credentials file written by the token command
// and read by the health command.
type credentials struct {
	GatewayURL string `toml:"gateway_url"`
	UserID     string `toml:"user_id"`
	Token      string `toml:"token"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: desk-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the gateway server")
		fmt.Println("  init               Create a starter config file")
		fmt.Println("  token --user USER  Mint a bearer token and store CLI credentials")
		fmt.Println("  health             Check gateway health")
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
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:    %s (%s)\n", cfg.Agent.Model, cfg.Agent.Provider)
	if cfg.VNC.WebURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("VNC:      %s\n", cfg.VNC.WebURL)
	}
	if cfg.Auth.Disabled {
		yellow.Println("    ▶ Auth:     disabled")
	}
	fmt.Println()

	logger.Info("starting desk-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	hub := fanout.NewHub(logger)
	coord := coordinator.New(st, hub, agent.NewRemoteRuntime, coordinator.RuntimeConfig{
		APIKey:       cfg.Agent.APIKey,
		BaseURL:      cfg.Agent.BaseURL,
		DefaultModel: cfg.Agent.Model,
		Provider:     cfg.Agent.Provider,
		MaxTokens:    cfg.Agent.MaxTokens,
		SystemPrompt: cfg.Agent.SystemPrompt,
		TurnTimeout:  cfg.Agent.TurnTimeout,
	}, logger)
	defer coord.Close()

	// Sessions left "active" by a crash have no live turn behind them
	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	ui := webui.New(st, cfg.VNC.WebURL, logger)
	gw := gateway.New(coord, st, hub, cfg, logger, gateway.WithUIHandler(ui))

	return gw.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Generate a random JWT secret for the starter config
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	dataDir := filepath.Join(filepath.Dir(configPath), "data")
	configContent := fmt.Sprintf(`# desk-gateway configuration
# Generated by desk-gateway init

server:
  http_addr: "localhost:8000"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  # disabled: true   # uncomment for local development without tokens

agent:
  provider: "anthropic"
  model: "claude-sonnet-4-20250514"
  api_key: "${ANTHROPIC_API_KEY}"
  base_url: "http://localhost:8100"
  max_tokens: 4096
  turn_timeout: "5m"

vnc:
  display: ":1"
  port: 5901
  web_url: "http://localhost:6080/vnc.html"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataDir, "gateway.db"), jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("  Edit it, then run: desk-gateway serve")
	return nil
}

// runToken mints a bearer token for a user and stores it in the CLI
// credentials file for the other commands.
func runToken() error {
	var userID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", getConfigPath())
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	creds := credentials{
		GatewayURL: "http://" + cfg.Server.HTTPAddr,
		UserID:     userID,
		Token:      token,
	}

	credsPath := getCredentialsPath()
	f, err := os.OpenFile(credsPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(creds); err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Credentials saved: %s\n", credsPath)
	fmt.Println()
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	baseURL := ""
	var creds credentials
	if _, err := toml.DecodeFile(getCredentialsPath(), &creds); err == nil {
		baseURL = creds.GatewayURL
	}
	if baseURL == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		baseURL = "http://" + cfg.Server.HTTPAddr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
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
		handler = newConsoleHandler(os.Stderr, level)
	}

	return slog.New(handler)
}

// consoleHandler is a compact colorized slog handler for interactive
// use. Logs go to stderr so they never mix with command output.
type consoleHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level

	// attrs are pre-qualified with the group prefix they were added
	// under; group is the prefix for record-level attrs.
	attrs []slog.Attr
	group string
}

func newConsoleHandler(out io.Writer, level slog.Level) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(color.HiBlackString(r.Time.Format(time.TimeOnly)))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group+a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		a.Key = h.group + a.Key
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.group = h.group + name + "."
	return nh
}

func (h *consoleHandler) clone() *consoleHandler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)
	return &consoleHandler{mu: h.mu, out: h.out, level: h.level, attrs: attrs, group: h.group}
}

func writeAttr(b *strings.Builder, key string, v slog.Value) {
	b.WriteString(color.HiBlackString(" " + key + "="))
	b.WriteString(v.Resolve().String())
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	case l >= slog.LevelWarn:
		return color.YellowString("WRN")
	case l >= slog.LevelInfo:
		return color.CyanString("INF")
	default:
		return color.MagentaString("DBG")
	}
}
