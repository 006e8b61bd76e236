// ABOUTME: Entry point for the agentiom supervisor
// ABOUTME: Runs the lifecycle orchestrator, connection supervisor, and proxies

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/agentiom/agentiom/internal/auth"
	"github.com/agentiom/agentiom/internal/config"
	"github.com/agentiom/agentiom/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _   _
   __ _  __ _  ___ _ __ | |_(_) ___  _ __ ___
  / _' |/ _' |/ _ \ '_ \| __| |/ _ \| '_ ' _ \
 | (_| | (_| |  __/ | | | |_| | (_) | | | | | |
  \__,_|\__, |\___|_| |_|\__|_|\___/|_| |_| |_|
        |___/
`

// getConfigPath returns the path to the supervisor config file.
// Priority: AGENTIOM_CONFIG env var > XDG_CONFIG_HOME/agentiom/supervisor.yaml > ~/.config/agentiom/supervisor.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTIOM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "supervisor.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentiom", "supervisor.yaml")
}

// getDataPath returns the path to the agentiom data directory.
// Priority: XDG_DATA_HOME/agentiom > ~/.local/share/agentiom
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agentiom")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agentiom-supervisor <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Start the supervisor")
		fmt.Println("  init                    Create a new config file")
		fmt.Println("  token --subject NAME    Mint an API token")
		fmt.Println("  health                  Check supervisor health")
		fmt.Println("  agents                  List agents and their states")
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
	case "agents":
		err = runAgents(ctx)
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

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Proxy:   %s\n", cfg.Server.ProxyAddr)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting agentiom-supervisor",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"proxy_addr", cfg.Server.ProxyAddr,
	)

	srv, err := server.New(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}

	content := fmt.Sprintf(`server:
  http_addr: "localhost:8080"
  proxy_addr: "localhost:8081"

database:
  path: %q

auth:
  jwt_secret: %q

lifecycle:
  sweep_interval: "60s"
  wake_timeout: "10s"
  delivery_timeout: "30s"

supervisor:
  max_retries: 10
  health_interval: "30s"
  staleness_threshold: "5m"
  base_delay: "1s"
  max_delay: "60s"
  webhook_dedupe_ttl: "10m"

logging:
  level: "info"
  format: "text"
`, filepath.Join(getDataPath(), "supervisor.db"), base64.StdEncoding.EncodeToString(secret))

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Created %s\n", configPath)
	return nil
}

func runToken() error {
	subject := ""
	for i, arg := range os.Args {
		if arg == "--subject" && i+1 < len(os.Args) {
			subject = os.Args[i+1]
		}
	}
	if subject == "" {
		return fmt.Errorf("usage: agentiom-supervisor token --subject NAME")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("no jwt_secret configured, auth is disabled")
	}

	token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), subject, 90*24*time.Hour)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// apiGet performs an authenticated GET against the management API.
func apiGet(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.JWTSecret != "" {
		token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), "cli", time.Minute)
		if err != nil {
			return nil, fmt.Errorf("issuing token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := apiGet(ctx, cfg, "/health")
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

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := apiGet(ctx, cfg, "/agents")
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing agents: status %d", resp.StatusCode)
	}

	var body struct {
		Agents []struct {
			ID        string `json:"id"`
			Slug      string `json:"slug"`
			Status    string `json:"status"`
			WakeCount int    `json:"wakeCount"`
		} `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(body.Agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, a := range body.Agents {
		fmt.Printf("%-36s  %-20s  %-10s  wakes=%d\n", a.ID, a.Slug, a.Status, a.WakeCount)
	}
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

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

var levelTags = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("DBG "),
	slog.LevelInfo:  color.CyanString("INF "),
	slog.LevelWarn:  color.YellowString("WRN "),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERR "),
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))
	tag, ok := levelTags[r.Level]
	if !ok {
		tag = "??? "
	}
	buf.WriteString(tag)
	buf.WriteString(r.Message)

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
	return &colorHandler{level: h.level, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return h
}
