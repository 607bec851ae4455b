package agentrpc

import (
	"errors"
	"testing"

	apperrors "github.com/archetype-labs/archetyped/infrastructure/errors"
)

func TestIsRetriable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"agent unavailable", apperrors.AgentUnavailable("agent-1", errors.New("dial tcp: timeout")), true},
		{"agent job failed", apperrors.AgentJobFailed("agent-1", "job-1", "invalid image"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetriable(tc.err); got != tc.want {
				t.Fatalf("isRetriable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNewNormalizesBaseURL(t *testing.T) {
	c, err := New("http://agent.local:9090/", Config{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if c.baseURL != "http://agent.local:9090" {
		t.Fatalf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	if _, err := New("not-a-url", Config{}); err == nil {
		t.Fatal("expected error for base URL without scheme")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New("http://agent.local", Config{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if c.retry.MaxAttempts != DefaultConfig().MaxAttempts {
		t.Fatalf("retry.MaxAttempts = %d, want %d", c.retry.MaxAttempts, DefaultConfig().MaxAttempts)
	}
}
