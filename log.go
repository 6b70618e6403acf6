package audit

import (
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig holds configuration parameters for the service logger: the
// level, and the optional rotating file sink (via lumberjack) written in
// addition to stdout.
type LogConfig struct {
	// Level is the minimum enabled level: debug, info, warn or error.
	Level string
	// FilePath is the path to the log file. An empty string disables file logging.
	FilePath string
	// MaxSizeMB is the maximum size in megabytes of a log file before it is rotated.
	MaxSizeMB int
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int
	// MaxAgeDays is the maximum number of days to retain old log files.
	MaxAgeDays int
	// Compress enables or disables compression of rotated log files.
	Compress bool
}

// DefaultLogConfig returns a LogConfig struct populated with default values.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		FilePath:   "",   // No file logging by default
		MaxSizeMB:  100,  // 100 MB per file
		MaxBackups: 3,    // Keep 3 old compressed log files
		MaxAgeDays: 28,   // Keep logs for 28 days
		Compress:   true, // Compress old log files
	}
}

// NewLogger builds a JSON zap logger writing to stdout and, when
// cfg.FilePath is set, to a rotating file.
//
// Returns:
//   - *zap.Logger: The configured logger.
//   - func() error: Closes the file sink; call it after the final Sync.
//   - error: When the level cannot be parsed.
func NewLogger(cfg LogConfig) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)}
	closer := func() error { return nil }
	if cfg.FilePath != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(file), level))
		closer = file.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, closer, nil
}
