package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.CDPURL(); got != "http://127.0.0.1:9220" {
		t.Fatalf("CDPURL() = %q", got)
	}
	if len(cfg.PortCandidates) != 3 || cfg.PortCandidates[0] != 8190 {
		t.Fatalf("PortCandidates = %v", cfg.PortCandidates)
	}
	ec := cfg.Engine()
	if ec.TickInterval != 500*time.Millisecond || ec.FallbackBudget != 5*time.Second {
		t.Fatalf("Engine() = %+v", ec)
	}
	if ec.ControlURLPrefix != "chrome-extension://" {
		t.Fatalf("ControlURLPrefix = %q", ec.ControlURLPrefix)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("SIDEWISE_TICK_INTERVAL_MS", "200")
	t.Setenv("SIDEWISE_FALLBACK_BUDGET_MS", "1000")
	t.Setenv("SIDEWISE_EVAL_TIMEOUT_MS", "10")
	t.Setenv("SIDEWISE_LOG_LEVEL", "DEBUG")
	t.Setenv("SIDEWISE_PORT_AUTO_FALLBACK", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9333 || cfg.LogLevel != "debug" || cfg.PortAutoFallback {
		t.Fatalf("Load() = %+v", cfg)
	}
	if cfg.EvalTimeoutMS != 500 {
		t.Fatalf("EvalTimeoutMS = %d; want clamped to 500", cfg.EvalTimeoutMS)
	}
	if ec := cfg.Engine(); ec.TickInterval != 200*time.Millisecond || ec.FallbackBudget != time.Second {
		t.Fatalf("Engine() = %+v", ec)
	}
}

func TestLoadRejectsBudgetBelowTick(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SIDEWISE_TICK_INTERVAL_MS", "1000")
	t.Setenv("SIDEWISE_FALLBACK_BUDGET_MS", "500")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil; want budget validation error")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SIDEWISE_PORT_CANDIDATES", "8190,nope")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil; want port parse error")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CHROMIUM_CDP_ADDRESS=10.0.0.5\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CHROMIUM_CDP_ADDRESS") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPAddress != "10.0.0.5" {
		t.Fatalf("CDPAddress = %q; want value from .env", cfg.CDPAddress)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidewise.settings")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Exists() {
		t.Fatal("Exists() = true for missing file")
	}
	if !s.Bool("focus_restored_tabs", true) || s.Int("rounds", 3) != 3 {
		t.Fatal("defaults not returned for unset settings")
	}
	if err := s.Set("purge_stale_placeholders", "true"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set("rounds", "5"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	again, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() reload error = %v", err)
	}
	if !again.Bool("purge_stale_placeholders", false) || again.Int("rounds", 0) != 5 {
		t.Fatalf("reloaded settings = %v", again.All())
	}
	if names := again.Names(); len(names) != 2 || names[0] != "purge_stale_placeholders" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestSettingsInvalidValuesFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidewise.settings")
	if err := os.WriteFile(path, []byte("flag=maybe\ncount=lots\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Bool("flag", true) != true || s.Int("count", 7) != 7 {
		t.Fatal("invalid values did not fall back to defaults")
	}
}
