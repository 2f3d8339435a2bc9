package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"grid-risk-engine/internal/models"
)

var base *zap.Logger

// Init builds the process-wide zap logger from the log configuration and
// installs it. Safe to call again after the full config has been loaded.
func Init(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if output == "file" || output == "both" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level))
	}

	base = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// L returns the structured logger.
func L() *zap.Logger {
	if base == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return base
}

// S returns the sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}
