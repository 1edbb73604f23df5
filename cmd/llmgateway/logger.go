package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/llmgateway/config"
)

// newLogger json 格式用于生产，console 格式带颜色便于本地调试。
// 每条日志附带 service 字段。
func newLogger(cfg config.LogConfig, opts ...zap.Option) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	console := cfg.Format == "console"
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	if console {
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       console,
		Encoding:          "json",
		EncoderConfig:     enc,
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
		InitialFields:     map[string]any{"service": "llmgateway"},
	}
	if console {
		zc.Encoding = "console"
	} else {
		// 高频重复日志（例如限流拒绝）每秒前 100 条全量，之后每 100 条取 1 条
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	if len(zc.OutputPaths) == 0 {
		zc.OutputPaths = []string{"stdout"}
	}
	return zc.Build(opts...)
}
