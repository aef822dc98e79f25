package anthropic

import (
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/modelbackend"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() with no API key: want error, got nil")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	b, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.defaultModel == "" {
		t.Fatal("defaultModel not defaulted")
	}
	if b.maxRetries != 3 {
		t.Fatalf("maxRetries = %d, want 3", b.maxRetries)
	}
	if b.retryDelay != time.Second {
		t.Fatalf("retryDelay = %v, want 1s", b.retryDelay)
	}
}

func TestNew_RespectsExplicitConfig(t *testing.T) {
	b, err := New(Config{
		APIKey:       "test-key",
		DefaultModel: "claude-opus-4",
		MaxRetries:   7,
		RetryDelay:   2 * time.Second,
		BaseURL:      "https://custom.example.com",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.defaultModel != "claude-opus-4" {
		t.Fatalf("defaultModel = %q", b.defaultModel)
	}
	if b.maxRetries != 7 || b.retryDelay != 2*time.Second {
		t.Fatalf("retry config = %d/%v", b.maxRetries, b.retryDelay)
	}
}

func TestModel_FallsBackToDefault(t *testing.T) {
	b, _ := New(Config{APIKey: "test-key", DefaultModel: "claude-sonnet-4"})

	if got := b.model(modelbackend.Agent{}); got != "claude-sonnet-4" {
		t.Fatalf("model(empty) = %q, want default", got)
	}
	if got := b.model(modelbackend.Agent{Model: "claude-haiku"}); got != "claude-haiku" {
		t.Fatalf("model(claude-haiku) = %q, want claude-haiku", got)
	}
}
