package main

import (
	"log/slog"
	"os"

	"github.com/liquidlogic/ecconet-matrix/internal/logx"
)

func setupLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := logx.New(format, lvl, os.Stderr).With("app", "ecconet-node")
	logx.Set(l)
	return l
}
