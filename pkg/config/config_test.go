package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type storeSettings struct {
	URL     string        `envconfig:"URL" required:"true"`
	Token   string        `envconfig:"TOKEN"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

type checkedSettings struct {
	Model string `envconfig:"MODEL"`
}

func (c checkedSettings) Validate() error {
	if c.Model == "" {
		return errors.New("model is required")
	}
	return nil
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestNewFromYAMLFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "upstash_redis:\n  url: https://redis.example.com\n  token: from-file\n")
	t.Setenv(EnvFileVar, path)
	t.Setenv("UPSTASH_REDIS_TOKEN", "from-env")

	got, err := New[storeSettings]("UPSTASH_REDIS")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got.URL != "https://redis.example.com" {
		t.Fatalf("url = %q", got.URL)
	}
	if got.Token != "from-env" {
		t.Fatalf("process env should win, token = %q", got.Token)
	}
	if got.Timeout != 5*time.Second {
		t.Fatalf("timeout default = %v", got.Timeout)
	}
	os.Unsetenv("UPSTASH_REDIS_URL")
}

func TestNewFromDotEnvFile(t *testing.T) {
	path := writeFile(t, ".env.test", "VAPI_STORE_URL=http://localhost:8080\n")
	t.Setenv(EnvFileVar, path)

	got, err := New[storeSettings]("VAPI_STORE")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got.URL != "http://localhost:8080" {
		t.Fatalf("url = %q", got.URL)
	}
	os.Unsetenv("VAPI_STORE_URL")
}

func TestNewMissingRequired(t *testing.T) {
	t.Setenv(EnvFileVar, "")

	if _, err := New[storeSettings]("MISSING_STORE"); err == nil {
		t.Fatalf("expected required field error")
	}
}

func TestNewRunsValidate(t *testing.T) {
	t.Setenv(EnvFileVar, "")

	if _, err := New[checkedSettings]("CHECKED"); err == nil {
		t.Fatalf("expected validation error")
	}
	t.Setenv("CHECKED_MODEL", "openai/gpt-4o-mini")
	got, err := New[checkedSettings]("CHECKED")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got.Model != "openai/gpt-4o-mini" {
		t.Fatalf("model = %q", got.Model)
	}
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	got := flatten("", map[string]any{
		"log":    map[string]any{"level": "debug"},
		"engine": map[string]any{"model": map[string]any{"attempts": 3}},
		"port":   8000,
	})
	want := map[string]string{"LOG_LEVEL": "debug", "ENGINE_MODEL_ATTEMPTS": "3", "PORT": "8000"}
	if len(got) != len(want) {
		t.Fatalf("flatten() = %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("flatten()[%s] = %q, want %q", k, got[k], v)
		}
	}
}
