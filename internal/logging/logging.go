// Package logging builds the wrapper's zap logger. Entries go to an
// optional log file and, rendered as single lines, to the shared console
// so every attached operator sees wrapper messages next to server output.
package logging

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LineSink receives one rendered log line at a time.
type LineSink interface {
	Println(line string)
}

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	// FilePath is an optional log file, appended to.
	FilePath string
	// ConsoleLevel is the minimum level echoed to the console sink.
	// Defaults to info.
	ConsoleLevel string
}

// Logger wraps zap.Logger and owns the log file, if any.
type Logger struct {
	*zap.Logger

	mu   sync.Mutex
	path string
	file *os.File
}

// New creates a logger that writes to cfg.FilePath and to sink. If sink is
// nil, console output goes to stderr instead.
func New(cfg Config, sink LineSink) (*Logger, error) {
	level, err := parseLevel(cfg.Level, zapcore.InfoLevel)
	if err != nil {
		return nil, err
	}
	consoleLevel, err := parseLevel(cfg.ConsoleLevel, zapcore.InfoLevel)
	if err != nil {
		return nil, err
	}
	if consoleLevel < level {
		consoleLevel = level
	}

	var consoleOut zapcore.WriteSyncer
	if sink != nil {
		consoleOut = zapcore.AddSync(&sinkWriter{sink: sink})
	} else {
		consoleOut = zapcore.Lock(os.Stderr)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), consoleOut, consoleLevel),
	}

	l := &Logger{path: cfg.FilePath}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		cores = append(cores, zapcore.NewCore(fileEncoder(cfg.Development), zapcore.Lock(f), level))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	l.Logger = zap.New(zapcore.NewTee(cores...), opts...)
	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadTail returns the last n lines of the log file. It returns nothing
// when n is not positive.
func (l *Logger) ReadTail(n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" || n <= 0 {
		return nil, nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > 2*n {
			lines = append(lines[:0:0], lines[len(lines)-n:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Clear truncates the log file.
func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := l.file.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := l.file.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if l.path == "" {
		return nil
	}
	return os.Truncate(l.path, 0)
}

// sinkWriter splits encoded entries into lines for the console. It takes
// no lock: the sink may log again while printing, and Printer serializes
// on its own.
type sinkWriter struct {
	sink LineSink
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		w.sink.Println(strings.TrimRight(string(line), "\r"))
	}
	return len(p), nil
}

func parseLevel(level string, fallback zapcore.Level) (zapcore.Level, error) {
	if level == "" {
		return fallback, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fallback, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		MessageKey:       "M",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("[15:04:05]"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
}

func fileEncoder(development bool) zapcore.Encoder {
	if development {
		return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}
