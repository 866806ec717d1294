// Package errutil classifies errors by category and severity and runs
// operations with category-aware retry. Discord REST errors carry their
// API code so rate limits and server-side failures retry while client
// errors surface immediately.
package errutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

type Category string

const (
	CategoryDiscord    Category = "discord"
	CategoryCache      Category = "cache"
	CategoryStorage    Category = "storage"
	CategoryConfig     Category = "config"
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ServiceError is the normalized error carried through the system.
type ServiceError struct {
	Category    Category
	Severity    Severity
	Component   string
	Operation   string
	Message     string
	Cause       error
	Recoverable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s in %s.%s: %v", e.Category, e.Severity, e.Message, e.Component, e.Operation, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s in %s.%s", e.Category, e.Severity, e.Message, e.Component, e.Operation)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// New builds a ServiceError. Recoverable defaults to true.
func New(category Category, component, operation, message string, cause error) *ServiceError {
	return &ServiceError{
		Category:    category,
		Severity:    severityFor(category),
		Component:   component,
		Operation:   operation,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// RetryStrategy bounds retries per category.
type RetryStrategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Handler applies category retry strategies and logs normalized errors.
type Handler struct {
	strategies map[Category]RetryStrategy
}

func NewHandler() *Handler {
	return &Handler{
		strategies: map[Category]RetryStrategy{
			CategoryDiscord: {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2},
			CategoryNetwork: {MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2},
			CategoryStorage: {MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: 20 * time.Second, Multiplier: 3},
		},
	}
}

// Handle normalizes, logs, and returns the error.
func (h *Handler) Handle(err error) error {
	if err == nil {
		return nil
	}
	se := Normalize(err)
	h.logError(se)
	return se
}

// HandleWithRetry runs fn, retrying recoverable failures per the
// category's strategy. The context cancels waits between attempts.
func (h *Handler) HandleWithRetry(ctx context.Context, component, operation string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		se := Normalize(err)
		se.Component = component
		se.Operation = operation

		strategy, ok := h.strategies[se.Category]
		if !se.Recoverable || !ok || attempt >= strategy.MaxAttempts {
			h.logError(se)
			return se
		}

		delay := backoff(strategy, attempt)
		slog.Warn("operation failed, retrying",
			"component", component, "operation", operation,
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Discord wraps a Discord REST failure, classifying recoverability from
// the HTTP status when available.
func Discord(component, operation string, err error) *ServiceError {
	se := New(CategoryDiscord, component, operation, "discord api call failed", err)
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		code := restErr.Response.StatusCode
		se.Recoverable = code == 429 || code >= 500
		switch {
		case code == 429:
			se.Severity = SeverityMedium
		case code >= 500:
			se.Severity = SeverityCritical
		case code >= 400:
			se.Severity = SeverityHigh
			se.Recoverable = false
		}
	}
	return se
}

// Normalize converts any error into a ServiceError, guessing the
// category from the error text when it isn't one already.
func Normalize(err error) *ServiceError {
	if se, ok := err.(*ServiceError); ok {
		return se
	}
	category := categorize(err)
	se := New(category, "unknown", "unknown", err.Error(), err)
	se.Recoverable = recoverable(err)
	return se
}

func categorize(err error) Category {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "discord") || strings.Contains(s, "gateway"):
		return CategoryDiscord
	case strings.Contains(s, "cache") || strings.Contains(s, "redis"):
		return CategoryCache
	case strings.Contains(s, "sqlite") || strings.Contains(s, "database") || strings.Contains(s, "transaction"):
		return CategoryStorage
	case strings.Contains(s, "config"):
		return CategoryConfig
	case strings.Contains(s, "connection") || strings.Contains(s, "timeout") || strings.Contains(s, "network"):
		return CategoryNetwork
	case strings.Contains(s, "invalid") || strings.Contains(s, "validation"):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

func recoverable(err error) bool {
	s := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "unauthorized", "not found", "invalid token"} {
		if strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func severityFor(category Category) Severity {
	switch category {
	case CategoryCache, CategoryValidation:
		return SeverityLow
	case CategoryStorage:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func backoff(s RetryStrategy, attempt int) time.Duration {
	d := s.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * s.Multiplier)
		if d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	return d
}

func (h *Handler) logError(se *ServiceError) {
	attrs := []any{
		"category", string(se.Category),
		"component", se.Component,
		"operation", se.Operation,
		"recoverable", se.Recoverable,
		"error", se.Cause,
	}
	switch se.Severity {
	case SeverityLow, SeverityMedium:
		slog.Info(se.Message, attrs...)
	case SeverityHigh:
		slog.Warn(se.Message, attrs...)
	default:
		slog.Error(se.Message, attrs...)
	}
}
