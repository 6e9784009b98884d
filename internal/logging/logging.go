package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the level, encoding and destination of log output.
type Options struct {
	Level  string
	Format string
	// ToFile writes logs under LogDir instead of stderr so they do not
	// corrupt the TUI.
	ToFile bool
	// Dir overrides the log directory, mainly for tests.
	Dir string
	// Out replaces stderr when ToFile is off.
	Out io.Writer
}

var (
	mu        sync.Mutex
	logger    = zerolog.Nop()
	logFile   *os.File
	logDir    string
	isFileLog bool
)

// Init configures the process logger and returns it. Calling Init again
// closes any previous log file.
func Init(opts Options) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	closeLocked()

	var out io.Writer = os.Stderr
	if opts.Out != nil {
		out = opts.Out
	}
	if opts.ToFile {
		dir := opts.Dir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			dir = filepath.Join(home, ".mokpell", "logs")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("mokpell-%s.log", time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to open log file: %w", err)
		}
		logFile, logDir, isFileLog = f, dir, true
		out = f
	}

	if !strings.EqualFold(opts.Format, "json") && !opts.ToFile {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	if isFileLog {
		logger.Info().Msg("log opened")
	}
	return logger, nil
}

// Logger returns the logger configured by Init, or a no-op logger.
func Logger() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Close closes the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if logFile != nil {
		logger.Info().Msg("log closed")
		_ = logFile.Close()
		logFile = nil
	}
	isFileLog = false
}

// Discard drops all output.
func Discard() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	logger = zerolog.Nop()
	return logger
}

// LogDir returns the directory file logs are written to.
func LogDir() string {
	mu.Lock()
	defer mu.Unlock()
	return logDir
}

// IsFileLogging reports whether logs go to a file.
func IsFileLogging() bool {
	mu.Lock()
	defer mu.Unlock()
	return isFileLog
}
