//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/go-ircd/config"
	"github.com/fzft/go-ircd/log"
	"github.com/fzft/go-ircd/node"
	"github.com/fzft/go-ircd/proto"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := log.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 2
	}
	defer logger.Sync()

	if _, err := cfg.Password(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 1
	}

	logger.Info("starting ircd", zap.String("version", Version()))

	lines := proto.NewLineHandler(logger, proto.Responder(logger))
	s := node.NewServer(cfg,
		node.WithLogger(logger),
		node.WithHandler(lines),
		node.WithMaxConns(cfg.MaxConns),
		node.WithPidFile(cfg.PidFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		logger.Error("server terminated", zap.Error(err))
		return 1
	}
	return 0
}
