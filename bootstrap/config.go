package bootstrap

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"overwatch/config"
	"overwatch/core"
	"overwatch/correlate"
)

// InitLogger initializes the zap logger. format is "json" or "console";
// level is a standard zap level name.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	zcore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zapLevel)
	logger := zap.New(zcore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	return cfg, nil
}

// SLAPolicyFromConfig starts from the default policy and applies any
// per-severity minute overrides.
func SLAPolicyFromConfig(cfg *config.Config) core.SLAPolicy {
	policy := core.DefaultSLAPolicy()
	for raw, minutes := range cfg.SLA.AckMinutes {
		sev := core.Severity(raw)
		if !sev.IsValid() || minutes <= 0 {
			continue
		}
		target := policy[sev]
		target.Acknowledge = time.Duration(minutes) * time.Minute
		policy[sev] = target
	}
	for raw, minutes := range cfg.SLA.ResolveMinutes {
		sev := core.Severity(raw)
		if !sev.IsValid() || minutes <= 0 {
			continue
		}
		target := policy[sev]
		target.Resolve = time.Duration(minutes) * time.Minute
		policy[sev] = target
	}
	return policy
}

// WindowsFromConfig builds correlation windows, keeping defaults where the
// config leaves a severity unset.
func WindowsFromConfig(cfg *config.Config) correlate.Windows {
	windows := correlate.DefaultWindows()
	if cfg.Correlation.WindowCritical > 0 {
		windows[core.SeverityCritical] = cfg.Correlation.WindowCritical
	}
	if cfg.Correlation.WindowMajor > 0 {
		windows[core.SeverityMajor] = cfg.Correlation.WindowMajor
	}
	if cfg.Correlation.WindowMinor > 0 {
		windows[core.SeverityMinor] = cfg.Correlation.WindowMinor
	}
	if cfg.Correlation.WindowInfo > 0 {
		windows[core.SeverityInfo] = cfg.Correlation.WindowInfo
	}
	return windows
}

// EnsureDataDirectories creates the data directory tree before storage
// opens files inside it.
func EnsureDataDirectories(cfg *config.Config, sugar *zap.SugaredLogger) error {
	for _, dir := range []string{cfg.DataPaths.DataDir, cfg.DataPaths.RulesDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	sugar.Debugf("data directories ready under %s", cfg.DataPaths.DataDir)
	return nil
}
