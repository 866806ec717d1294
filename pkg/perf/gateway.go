// Package perf measures gateway handler latency and logs handlers that
// exceed the slow threshold.
package perf

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/util"
)

const (
	envPerfThresholdMs     = "GUILDKEEPER_GATEWAY_PERF_THRESHOLD_MS"
	defaultPerfThresholdMs = int64(1000)
)

var (
	thresholdOnce sync.Once
	threshold     time.Duration
)

func slowThreshold() time.Duration {
	thresholdOnce.Do(func() {
		ms := util.EnvInt64(envPerfThresholdMs, defaultPerfThresholdMs)
		if ms <= 0 {
			threshold = 0
			return
		}
		threshold = time.Duration(ms) * time.Millisecond
	})
	return threshold
}

// StartGatewayEvent returns a stop function that logs when the handler
// ran longer than the threshold. Set the threshold env var to 0 to
// disable measurement entirely.
func StartGatewayEvent(event string, attrs ...slog.Attr) func() {
	limit := slowThreshold()
	if limit <= 0 {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		if duration < limit {
			return
		}
		name := strings.TrimSpace(event)
		if name == "" {
			name = "unknown"
		}
		args := make([]any, 0, len(attrs)+3)
		args = append(args,
			slog.String("event", name),
			slog.Duration("duration", duration),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
		for _, attr := range attrs {
			args = append(args, attr)
		}
		slog.Warn("slow gateway event handler", args...)
	}
}
