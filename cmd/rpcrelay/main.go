// Command rpcrelay forwards envelopes between two transports, letting
// endpoints on separate hubs or buses reach each other.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chan-rpc/config"
	"chan-rpc/logging"
	"chan-rpc/node"

	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rpcrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "rpcrelay.toml", "path to the TOML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if err := config.ValidateRelay(cfg); err != nil {
		return fmt.Errorf("config %s: %w", *path, err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rn, err := node.NewRelay(ctx, cfg, node.Options{Logger: logger})
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String("relayId", rn.ID())}
	left, right := rn.Sides()
	if left.Addr != nil {
		fields = append(fields, zap.Stringer("left", left.Addr))
	}
	if right.Addr != nil {
		fields = append(fields, zap.Stringer("right", right.Addr))
	}
	logger.Info("relay ready", fields...)
	return rn.Run(ctx)
}
