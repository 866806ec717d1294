package errutil

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func TestHandleWithRetryRecovers(t *testing.T) {
	h := NewHandler()
	h.strategies[CategoryNetwork] = RetryStrategy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	var attempts int32
	err := h.HandleWithRetry(context.Background(), "sync", "fetch", func() error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestHandleWithRetryStopsOnNonRecoverable(t *testing.T) {
	h := NewHandler()
	var attempts int32
	err := h.HandleWithRetry(context.Background(), "sync", "fetch", func() error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("non-recoverable error retried: %d attempts", attempts)
	}
}

func TestDiscordClassification(t *testing.T) {
	rateLimited := &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	se := Discord("starboard", "create_message", rateLimited)
	if !se.Recoverable || se.Severity != SeverityMedium {
		t.Fatalf("rate limit misclassified: %+v", se)
	}

	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}
	se = Discord("starboard", "create_message", forbidden)
	if se.Recoverable || se.Severity != SeverityHigh {
		t.Fatalf("forbidden misclassified: %+v", se)
	}

	serverErr := &discordgo.RESTError{Response: &http.Response{StatusCode: 502}}
	se = Discord("starboard", "create_message", serverErr)
	if !se.Recoverable || se.Severity != SeverityCritical {
		t.Fatalf("server error misclassified: %+v", se)
	}
}

func TestNormalizeCategorizes(t *testing.T) {
	cases := map[string]Category{
		"redis: connection refused": CategoryCache,
		"sqlite disk full":          CategoryStorage,
		"dial tcp: timeout":         CategoryNetwork,
		"something odd":             CategoryInternal,
	}
	for msg, want := range cases {
		if got := Normalize(errors.New(msg)).Category; got != want {
			t.Fatalf("%q categorized as %s, want %s", msg, got, want)
		}
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	se := New(CategoryInternal, "c", "op", "failed", cause)
	if !errors.Is(se, cause) {
		t.Fatal("unwrap chain broken")
	}
}
