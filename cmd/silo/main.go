package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grainrt/pkg/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv(envConfig)
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := initConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := initLogger(&cfg)

	self, err := siloAddress(&cfg)
	if err != nil {
		return err
	}

	silo, err := runtime.New(cfg, self, runtime.WithLogger(log))
	if err != nil {
		return err
	}
	if err := silo.Start(ctx); err != nil {
		return fmt.Errorf("start silo %s: %w", self, err)
	}
	log.Info("silo is running, press Ctrl+C to stop", "addr", self.String())

	select {
	case <-ctx.Done():
	case <-silo.Done():
		// кластер объявил нас мёртвыми: перезапуск должен прийти с новым поколением
		return silo.Err()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Membership.TableTimeout)
	defer stopCancel()
	if err := silo.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stop silo: %w", err)
	}
	log.Info("silo stopped")
	return nil
}
