package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/config"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if !cfg.Regime.Enabled || cfg.Regime.CacheSize != 3 {
		t.Errorf("Expected enabled detector with cache size 3, got %+v", cfg.Regime)
	}
	if cfg.Validation.MinToTrade != 5.0 || cfg.Validation.MinForPremium != 6.5 {
		t.Errorf("Expected thresholds 5.0/6.5, got %v/%v", cfg.Validation.MinToTrade, cfg.Validation.MinForPremium)
	}
	if cfg.Collaborators.Timeout != 150*time.Millisecond {
		t.Errorf("Expected 150ms collaborator timeout, got %v", cfg.Collaborators.Timeout)
	}
	if len(cfg.Weights) != 4 {
		t.Errorf("Expected 4 weight tables, got %d", len(cfg.Weights))
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, "engine.yaml", `
regime:
  enabled: false
  range_floor: 60
router:
  precheck_enabled: true
collaborators:
  timeout: 250ms
  blackouts:
    - category: macro
      at: 2024-03-01T13:30:00Z
      before: 5m
      after: 10m
weights:
  range-edge:
    proximity: 4
    respects: 2
    sweep: 2
    structure: 2
`)
	t.Setenv("REGIME_SERVER_PORT", "9191")
	t.Setenv("REGIME_VALIDATION_MIN_BARS", "20")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Regime.Enabled {
		t.Error("Expected explicit false to survive defaults")
	}
	if cfg.Regime.RangeFloor != 60 || cfg.Regime.DeviationFloor != 70 {
		t.Errorf("Expected floors 60/70, got %v/%v", cfg.Regime.RangeFloor, cfg.Regime.DeviationFloor)
	}
	if !cfg.Router.PrecheckEnabled {
		t.Error("Expected precheck enabled")
	}
	if cfg.Collaborators.Timeout != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.Collaborators.Timeout)
	}
	if len(cfg.Collaborators.Blackouts) != 1 || cfg.Collaborators.Blackouts[0].After != 10*time.Minute {
		t.Errorf("Expected one blackout window, got %+v", cfg.Collaborators.Blackouts)
	}
	if cfg.Weights["range-edge"]["proximity"] != 4 {
		t.Errorf("Expected overridden proximity weight 4, got %v", cfg.Weights["range-edge"]["proximity"])
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Expected env port 9191, got %d", cfg.Server.Port)
	}
	if cfg.Validation.MinBars != 20 {
		t.Errorf("Expected env min bars 20, got %d", cfg.Validation.MinBars)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"premium below trade": "validation:\n  min_to_trade: 7\n  min_for_premium: 6\n",
		"negative weight":     "weights:\n  edge-fallback:\n    location: -1\n",
		"tiny cache":          "regime:\n  cache_size: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, "bad.yaml", body))
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for missing file, got %v", err)
	}
}
