// Command rpcnode runs one endpoint from a TOML config: it joins a channel
// over the configured transport, answers ping, echo and whoami, and can expose
// a JSON-RPC gateway and Prometheus metrics over HTTP.
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
		fmt.Fprintf(os.Stderr, "rpcnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "rpcnode.toml", "path to the TOML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, node.Options{Logger: logger})
	if err != nil {
		return err
	}
	if addr := n.HubAddr(); addr != nil {
		logger.Info("hub address", zap.Stringer("addr", addr))
	}
	return n.Run(ctx)
}
