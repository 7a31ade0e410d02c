// pkg/logger/logger.go
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const productionEnvironment = "production"

// New builds the service logger. Production writes JSON with ISO8601
// timestamps; every other environment gets colored console output. A
// non-empty level overrides the environment's default level.
func New(service, environment, level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if environment == productionEnvironment {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}

	cfg.InitialFields = map[string]interface{}{
		"service":     service,
		"environment": environment,
	}

	return cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}
