package log

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the process-wide slog default handler. Output goes to
// stdout and to a size-rotated file under logDir. It is idempotent; the
// first call wins.
//
// environment selects the minimum level: "development" enables debug,
// everything else logs info and above.
func Setup(environment, logDir string) error {
	var setupErr error
	setupOnce.Do(func() {
		if logDir == "" {
			logDir = defaultLogDir()
		}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			setupErr = err
			return
		}

		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "guildkeeper.log"),
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}

		level := slog.LevelInfo
		if strings.EqualFold(environment, "development") {
			level = slog.LevelDebug
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, rotator), &slog.HandlerOptions{
			Level: level,
		})
		slog.SetDefault(slog.New(handler))
	})
	return setupErr
}

// Close flushes and closes the rotating log file, if one was opened.
func Close() error {
	if rotator == nil {
		return nil
	}
	return rotator.Close()
}

var (
	setupOnce sync.Once
	rotator   *lumberjack.Logger
)

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "logs"
	}
	return filepath.Join(home, ".local", "share", "guildkeeper", "logs")
}
