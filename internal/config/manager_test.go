package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "t", "operator_chat_id": -100123},
		"storage": {"path": "./data/segcast.db"},
		"broadcast": {"batch_size": 25, "batch_delay": "500ms"}
	}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Telegram.OperatorChatID != -100123 {
		t.Fatalf("telegram section mismatch: %+v", cfg.Telegram)
	}
	if cfg.Broadcast.BatchSize != 25 || cfg.Broadcast.BatchDelay != "500ms" {
		t.Fatalf("broadcast section mismatch: %+v", cfg.Broadcast)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "config.yaml", `
telegram:
  token: t
storage:
  path: ./data/segcast.db
broadcast:
  workers: 4
  retention:
    schedule: "@hourly"
    keep_for: 48h
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broadcast.Workers != 4 {
		t.Fatalf("workers = %d, want 4", cfg.Broadcast.Workers)
	}
	if cfg.Broadcast.Retention == nil || cfg.Broadcast.Retention.KeepFor != "48h" {
		t.Fatalf("retention mismatch: %+v", cfg.Broadcast.Retention)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "config.json", `{"telegram": {"token": "t", "tokne": "typo"}}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "config.json", `{"telegram": {"token": "t"}}{"extra": 1}`)
	_, err := m.Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing data error", err)
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Telegram: TelegramConfig{Token: "x"}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("slow subscriber should see the newest config")
		}
	default:
		t.Fatal("no config delivered")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v; want 0, nil", d, err)
	}
	if d, err := ParseDurationField("x", " 1500ms "); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("1500ms = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if _, err := ParseDurationField("x", "three seconds"); err == nil {
		t.Fatal("garbage duration must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", 9*time.Second); err != nil || d != 9*time.Second {
		t.Fatalf("default = %v, %v; want 9s, nil", d, err)
	}
}
