// Package main runs an in-process Redis (miniredis) for local development,
// enough to back the redis storage backend and cmd/collector.
//
// Usage:
//
//	go run ./cmd/redis_server --addr 127.0.0.1:6379
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/pflag"

	"github.com/guido-cesarano/eventq/pkg/logger"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:6379", "listen address")
	pflag.Parse()

	logger.SetLevel("info")

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(*addr); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	// Wait for interrupt signal to gracefully shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
