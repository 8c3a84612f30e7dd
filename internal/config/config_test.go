package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS.URL = %q, want %q", cfg.NATS.URL, "nats://localhost:4222")
	}
	if cfg.Store.Keyspace != "amityvox" {
		t.Errorf("Store.Keyspace = %q, want %q", cfg.Store.Keyspace, "amityvox")
	}
	if cfg.WebSocket.Listen != "0.0.0.0:8081" {
		t.Errorf("WebSocket.Listen = %q, want %q", cfg.WebSocket.Listen, "0.0.0.0:8081")
	}
	if cfg.Gateway.PendingQueueMax != 1000 {
		t.Errorf("Gateway.PendingQueueMax = %d, want 1000", cfg.Gateway.PendingQueueMax)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/amityvox.toml")
	if err != nil {
		t.Fatalf("Load non-existent file should use defaults, got error: %v", err)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS.URL = %q, want default", cfg.NATS.URL)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amityvox.toml")
	content := `
[nats]
url = "nats://nats.internal:4222"

[store]
hosts = ["scylla-1", "scylla-2"]
keyspace = "amityvox_test"

[websocket]
listen = "127.0.0.1:9090"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.NATS.URL != "nats://nats.internal:4222" {
		t.Errorf("NATS.URL = %q, want %q", cfg.NATS.URL, "nats://nats.internal:4222")
	}
	if cfg.Store.Keyspace != "amityvox_test" {
		t.Errorf("Store.Keyspace = %q, want %q", cfg.Store.Keyspace, "amityvox_test")
	}
	// Values not in TOML should retain defaults.
	if cfg.Cache.URL != "redis://localhost:6379" {
		t.Errorf("cache.url = %q, want default", cfg.Cache.URL)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amityvox.toml")
	if err := os.WriteFile(path, []byte("not valid toml [[["), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should fail on invalid TOML")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"empty nats url",
			`[nats]
url = ""`,
		},
		{
			"invalid log level",
			`[logging]
level = "trace"`,
		},
		{
			"invalid log format",
			`[logging]
format = "xml"`,
		},
		{
			"empty store hosts",
			`[store]
hosts = []
keyspace = "amityvox"`,
		},
		{
			"zero pending queue max",
			`[gateway]
pending_queue_max = 0`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "amityvox.toml")
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	// Set env vars before loading.
	t.Setenv("AMITYVOX_NATS_URL", "nats://env.example.com:4222")
	t.Setenv("AMITYVOX_STORE_KEYSPACE", "env_keyspace")
	t.Setenv("AMITYVOX_GATEWAY_PENDING_QUEUE_MAX", "2048")

	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.NATS.URL != "nats://env.example.com:4222" {
		t.Errorf("NATS.URL = %q, want %q", cfg.NATS.URL, "nats://env.example.com:4222")
	}
	if cfg.Store.Keyspace != "env_keyspace" {
		t.Errorf("Store.Keyspace = %q, want %q", cfg.Store.Keyspace, "env_keyspace")
	}
	if cfg.Gateway.PendingQueueMax != 2048 {
		t.Errorf("Gateway.PendingQueueMax = %d, want 2048", cfg.Gateway.PendingQueueMax)
	}
}

func TestEnvOverrides_LegacyAliases(t *testing.T) {
	t.Setenv("SCYLLA_HOSTS", "a,b,c")
	t.Setenv("SCYLLA_USER", "cassandra")
	t.Setenv("SCYLLA_PASSWORD", "secret")
	t.Setenv("KAFKA_HOSTS", "nats://kafka-alias:4222")

	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Store.Hosts) != 3 {
		t.Errorf("Store.Hosts = %v, want 3 entries", cfg.Store.Hosts)
	}
	if cfg.Store.Username != "cassandra" {
		t.Errorf("Store.Username = %q, want cassandra", cfg.Store.Username)
	}
	if cfg.NATS.URL != "nats://kafka-alias:4222" {
		t.Errorf("NATS.URL = %q, want nats://kafka-alias:4222", cfg.NATS.URL)
	}
}

func TestGraceWindowParsed(t *testing.T) {
	cfg := GatewayConfig{GraceWindow: "90s"}
	d, err := cfg.GraceWindowParsed()
	if err != nil {
		t.Fatalf("GraceWindowParsed error: %v", err)
	}
	if d != 90*time.Second {
		t.Errorf("duration = %v, want 90s", d)
	}
}

func TestGraceWindowParsed_Invalid(t *testing.T) {
	cfg := GatewayConfig{GraceWindow: "not-a-duration"}
	_, err := cfg.GraceWindowParsed()
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestHeartbeatIntervalParsed(t *testing.T) {
	cfg := WebSocketConfig{HeartbeatInterval: "32s"}
	d, err := cfg.HeartbeatIntervalParsed()
	if err != nil {
		t.Fatalf("HeartbeatIntervalParsed error: %v", err)
	}
	if d != 32*time.Second {
		t.Errorf("duration = %v, want 32s", d)
	}
}

func TestHeartbeatIntervalParsed_Invalid(t *testing.T) {
	cfg := WebSocketConfig{HeartbeatInterval: "not-a-duration"}
	_, err := cfg.HeartbeatIntervalParsed()
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
