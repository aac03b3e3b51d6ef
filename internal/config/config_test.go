package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "floorsync.json")
	body := `{
		"server": {"url": "https://sync.example.com", "authSecret": "s3cret"},
		"device": {"id": "press-07", "site": "plant-a", "dataDir": "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"},
		"sync": {"itemDelayMs": 250, "retentionHours": 24}
	}`
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "https://sync.example.com" {
		t.Errorf("server url = %q", cfg.Server.URL)
	}
	if cfg.Device.ID != "press-07" || cfg.Device.Site != "plant-a" {
		t.Errorf("device = %+v", cfg.Device)
	}
	if got := cfg.Sync.ItemDelay(); got != 250*time.Millisecond {
		t.Errorf("item delay = %v", got)
	}
	if got := cfg.Sync.Retention(); got != 24*time.Hour {
		t.Errorf("retention = %v", got)
	}
	// Defaults survive partial config.
	if cfg.Sync.Schedule != "*/5 * * * *" {
		t.Errorf("schedule default lost: %q", cfg.Sync.Schedule)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "floorsync.yaml")
	body := "server:\n  url: https://sync.example.com\ndevice:\n  id: press-07\n  dataDir: " +
		filepath.ToSlash(filepath.Join(dir, "data")) + "\nsync:\n  itemDelayMs: 50\n  retentionHours: 12\n"
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.ID != "press-07" {
		t.Errorf("device id = %q", cfg.Device.ID)
	}
	if cfg.Sync.ItemDelayMs != 50 {
		t.Errorf("itemDelayMs = %d", cfg.Sync.ItemDelayMs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server url", func(c *Config) { c.Server.URL = "" }},
		{"missing device id", func(c *Config) { c.Device.ID = "" }},
		{"negative item delay", func(c *Config) { c.Sync.ItemDelayMs = -1 }},
		{"zero retention", func(c *Config) { c.Sync.RetentionHours = 0 }},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Device.ID = "press-07"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg", "floorsync.json")

	cfg := DefaultConfig()
	cfg.Device.ID = "press-07"
	cfg.Device.DataDir = filepath.Join(dir, "data")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Device.ID != cfg.Device.ID || loaded.API.Port != cfg.API.Port {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestTopicPrefix(t *testing.T) {
	m := MQTTConfig{}
	if got := m.TopicPrefixFor("plant-a", "press-07"); got != "floorsync/plant-a/press-07" {
		t.Errorf("derived prefix = %q", got)
	}
	m.TopicPrefix = "custom/topic"
	if got := m.TopicPrefixFor("plant-a", "press-07"); got != "custom/topic" {
		t.Errorf("explicit prefix = %q", got)
	}
}
