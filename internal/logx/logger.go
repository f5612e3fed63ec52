package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLevel      = "info"
	defaultFormat     = "json"
	defaultOutput     = "stdout"
	defaultFilePath   = "./logs/sandboxd.log"
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 14
)

type Config struct {
	Level      slog.Level
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Service    string
}

func LoadConfig(service string) Config {
	return Config{
		Level:      parseLevel(getenv("LOG_LEVEL", defaultLevel)),
		Format:     getenv("LOG_FORMAT", defaultFormat),
		Output:     getenv("LOG_OUTPUT", defaultOutput),
		FilePath:   getenv("LOG_FILE_PATH", defaultFilePath),
		MaxSizeMB:  getenvInt("LOG_FILE_MAX_SIZE_MB", defaultMaxSizeMB),
		MaxBackups: getenvInt("LOG_FILE_MAX_BACKUPS", defaultMaxBackups),
		MaxAgeDays: getenvInt("LOG_FILE_MAX_AGE_DAYS", defaultMaxAgeDays),
		Service:    service,
	}
}

// Init builds the process-wide logger and installs it as the slog default.
// The returned closer flushes the rotating file sink, if one is configured.
func Init(service string) (*slog.Logger, func() error, error) {
	cfg := LoadConfig(service)
	writer, closer, err := buildWriter(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	logger := slog.New(handler).With("service", cfg.Service)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func buildWriter(cfg Config) (io.Writer, func() error, error) {
	useStdout := strings.Contains(cfg.Output, "stdout")
	useFile := strings.Contains(cfg.Output, "file")
	if !useStdout && !useFile {
		useStdout = true
	}

	var writers []io.Writer
	closeFn := func() error { return nil }

	if useStdout {
		writers = append(writers, os.Stdout)
	}
	if useFile {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, rotator)
		closeFn = rotator.Close
	}

	if len(writers) == 1 {
		return writers[0], closeFn, nil
	}
	return io.MultiWriter(writers...), closeFn, nil
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
