package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nous-labs/engage/pkg/loop"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENGAGE_STORE", "ENGAGE_DATA_DIR", "ENGAGE_PG_URL", "ENGAGE_PRIVATE_CONFIG",
		"ENGAGE_CLEANUP_INTERVAL", "ENGAGE_IDLE_ABSENCE", "ENGAGE_NUDGES_PER_HOUR", "ENGAGE_LLM_PROVIDER",
		"ANTHROPIC_API_KEY", "MATRIX_HOMESERVER", "TELEGRAM_BOT_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "data" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if got := cfg.LoopConfig().MaxAge(loop.TypeEmotional); got != loop.DefaultEmotionalMaxAge {
		t.Errorf("emotional max age = %v", got)
	}
	sc := cfg.SchedulerConfig()
	if sc.Interval != 15*time.Minute || sc.AbsenceThreshold != 4*time.Hour {
		t.Errorf("scheduler = %+v", sc)
	}
	nc := cfg.NudgeConfig()
	if nc.Absence != DefaultNudgeAbsence || nc.PerHour != DefaultNudgesPerHour {
		t.Errorf("nudge = %+v", nc)
	}
}

func TestLoadConfigOverlays(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGAGE_TEST_KEY", "sk-test")

	path := writeFile(t, "engage.json", `{
		"engagement": {"max_age": {"task": "48h"}, "max_active_loops": 4},
		"scheduler": {"interval": "5m", "scopes": ["alice"]},
		"llm": {"api_key": "$ENGAGE_TEST_KEY"}
	}`)
	private := writeFile(t, "private.yaml", "scheduler:\n  interval: 1m\nmatrix:\n  homeserver: https://matrix.example.com\n")
	t.Setenv("ENGAGE_PRIVATE_CONFIG", private)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	lc := cfg.LoopConfig()
	if lc.MaxAge(loop.TypeTask) != 48*time.Hour {
		t.Errorf("task max age = %v, want 48h", lc.MaxAge(loop.TypeTask))
	}
	if lc.MaxAge(loop.TypeEvent) != loop.DefaultEventMaxAge {
		t.Errorf("event max age = %v, want default kept by deep merge", lc.MaxAge(loop.TypeEvent))
	}
	if cfg.CleanupConfig().MaxActiveLoops != 4 {
		t.Errorf("max active loops = %d", cfg.CleanupConfig().MaxActiveLoops)
	}
	if sc := cfg.SchedulerConfig(); sc.Interval != time.Minute || len(sc.Scopes) != 1 {
		t.Errorf("scheduler = %+v, want private overlay interval and file scopes", sc)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q, want resolved env reference", cfg.LLM.APIKey)
	}
	if cfg.Matrix.Homeserver != "https://matrix.example.com" {
		t.Errorf("homeserver = %q", cfg.Matrix.Homeserver)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":     `{"store": {"driver": "mysql"}}`,
		"postgres":   `{"store": {"driver": "postgres"}}`,
		"loop type":  `{"engagement": {"max_age": {"birthday": "24h"}}}`,
		"max age":    `{"engagement": {"max_age": {"task": "two weeks"}}}`,
		"interval":   `{"scheduler": {"interval": "often"}}`,
		"thread min": `{"engagement": {"thread_min": 6, "thread_max": 2}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			if _, err := LoadConfig(writeFile(t, "engage.json", body)); err == nil {
				t.Error("expected validation error")
			} else if !strings.HasPrefix(err.Error(), "config:") {
				t.Errorf("error = %v, want config: prefix", err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
