package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"TokenSwarm/cmd/tokenswarm/commands"
	"TokenSwarm/pkg/logger"
)

// main 是 tokenswarm 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	if err != nil {
		logger.L().Error("tokenswarm 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
