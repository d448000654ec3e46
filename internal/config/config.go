package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/makfc/sidewise/internal/engine"
)

// Config holds all configuration for the sidewise daemon.
type Config struct {
	// CDP connection settings
	CDPAddress     string
	CDPPort        int
	EvalTimeoutMS  int
	LaunchBrowser  bool
	BrowserBinary  string
	ProfileDir     string
	RestoreSession bool

	// HTTP API
	BindAddr          string
	PortCandidates    []int
	PortAutoFallback  bool
	ControlURLPrefix  string
	EventBufferSize   int
	EventHeartbeatSec int

	// Logging and storage
	LogLevel        string
	LogFile         string
	CheckpointDir   string
	KeepCheckpoints int
	JournalDir      string
	JournalMaxMB    int
	SettingsFile    string

	// Alerts
	NotifyURL         string
	NotifyIntervalSec int

	// Association timing
	TickIntervalMS        int
	FallbackBudgetMS      int
	ReconcileDelayMS      int
	ConformSettleMS       int
	DisambiguateRounds    int
	AssociateMaxRetries   int
	AssociateRetryMS      int
	CheckpointIntervalMin int
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:            getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:               getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		EvalTimeoutMS:         getEnvIntOrDefault("SIDEWISE_EVAL_TIMEOUT_MS", 3000),
		LaunchBrowser:         getEnvBoolOrDefault("SIDEWISE_LAUNCH_BROWSER", false),
		BrowserBinary:         os.Getenv("CHROMIUM_BINARY"),
		ProfileDir:            getEnvOrDefault("CHROMIUM_PROFILE_DIR", "./browser-profile"),
		RestoreSession:        getEnvBoolOrDefault("CHROMIUM_RESTORE_SESSION", true),
		BindAddr:              getEnvOrDefault("SIDEWISE_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback:      getEnvBoolOrDefault("SIDEWISE_PORT_AUTO_FALLBACK", true),
		ControlURLPrefix:      getEnvOrDefault("SIDEWISE_CONTROL_URL_PREFIX", "chrome-extension://"),
		EventBufferSize:       getEnvIntOrDefault("SIDEWISE_EVENT_BUFFER", 64),
		EventHeartbeatSec:     getEnvIntOrDefault("SIDEWISE_EVENT_HEARTBEAT_SEC", 15),
		LogLevel:              strings.ToLower(getEnvOrDefault("SIDEWISE_LOG_LEVEL", "info")),
		LogFile:               getEnvOrDefault("SIDEWISE_LOG_FILE", "logs/sidewise.log"),
		CheckpointDir:         getEnvOrDefault("SIDEWISE_CHECKPOINT_DIR", "./checkpoints"),
		JournalDir:            getEnvOrDefault("SIDEWISE_JOURNAL_DIR", "./journal"),
		JournalMaxMB:          getEnvIntOrDefault("SIDEWISE_JOURNAL_MAX_MB", 50),
		SettingsFile:          getEnvOrDefault("SIDEWISE_SETTINGS_FILE", "sidewise.settings"),
		KeepCheckpoints:       getEnvIntOrDefault("SIDEWISE_KEEP_CHECKPOINTS", 20),
		NotifyURL:             os.Getenv("SIDEWISE_NTFY_URL"),
		NotifyIntervalSec:     getEnvIntOrDefault("SIDEWISE_NTFY_INTERVAL_SEC", 600),
		TickIntervalMS:        getEnvIntOrDefault("SIDEWISE_TICK_INTERVAL_MS", 500),
		FallbackBudgetMS:      getEnvIntOrDefault("SIDEWISE_FALLBACK_BUDGET_MS", 5000),
		ReconcileDelayMS:      getEnvIntOrDefault("SIDEWISE_RECONCILE_DELAY_MS", 500),
		ConformSettleMS:       getEnvIntOrDefault("SIDEWISE_CONFORM_SETTLE_MS", 1500),
		DisambiguateRounds:    getEnvIntOrDefault("SIDEWISE_DISAMBIGUATE_ROUNDS", 3),
		AssociateMaxRetries:   getEnvIntOrDefault("SIDEWISE_ASSOCIATE_MAX_RETRIES", 5),
		AssociateRetryMS:      getEnvIntOrDefault("SIDEWISE_ASSOCIATE_RETRY_MS", 1000),
		CheckpointIntervalMin: getEnvIntOrDefault("SIDEWISE_CHECKPOINT_INTERVAL_MIN", 30),
	}

	ports, err := parsePorts(getEnvOrDefault("SIDEWISE_PORT_CANDIDATES", "8190,8191,8192"))
	if err != nil {
		return nil, err
	}
	cfg.PortCandidates = ports

	if cfg.EvalTimeoutMS < 500 {
		cfg.EvalTimeoutMS = 500
	}
	if cfg.TickIntervalMS < 50 {
		return nil, fmt.Errorf("SIDEWISE_TICK_INTERVAL_MS must be at least 50, got %d", cfg.TickIntervalMS)
	}
	if cfg.FallbackBudgetMS < cfg.TickIntervalMS {
		return nil, fmt.Errorf("SIDEWISE_FALLBACK_BUDGET_MS (%d) must not be below SIDEWISE_TICK_INTERVAL_MS (%d)", cfg.FallbackBudgetMS, cfg.TickIntervalMS)
	}
	if cfg.DisambiguateRounds < 1 {
		cfg.DisambiguateRounds = 1
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// Engine converts the timing settings into an engine configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		TickInterval:        ms(c.TickIntervalMS),
		FallbackBudget:      ms(c.FallbackBudgetMS),
		ReconcileDelay:      ms(c.ReconcileDelayMS),
		ConformSettle:       ms(c.ConformSettleMS),
		DisambiguateRounds:  c.DisambiguateRounds,
		AssociateMaxRetries: c.AssociateMaxRetries,
		AssociateRetry:      ms(c.AssociateRetryMS),
		ControlURLPrefix:    c.ControlURLPrefix,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func parsePorts(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port in SIDEWISE_PORT_CANDIDATES: %q", part)
		}
		out = append(out, p)
	}
	return out, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
