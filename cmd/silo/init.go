package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"

	"grainrt/internal/config"
	"grainrt/pkg/types"
)

const (
	envConfig   = "GRAINRT_CONFIG"
	envSiloAddr = "GRAINRT_SILO_ADDR"

	defaultConfigPath = "config.yaml"
)

// initConfig загружает конфиг из файла YAML поверх значений по умолчанию.
// Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
	return logger
}

// siloAddress builds the identity of this silo. GRAINRT_SILO_ADDR ("host:port")
// overrides cluster.host and http-server.port.
func siloAddress(cfg *config.Config) (types.SiloAddress, error) {
	if env := os.Getenv(envSiloAddr); env != "" {
		host, port, err := net.SplitHostPort(env)
		if err != nil {
			return types.SiloAddress{}, fmt.Errorf("%s: %w", envSiloAddr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return types.SiloAddress{}, fmt.Errorf("%s: bad port %q", envSiloAddr, port)
		}
		cfg.Cluster.Host = host
		cfg.Server.Port = p
	}

	addr := types.NewSiloAddress(cfg.Cluster.Host, cfg.Server.Port)
	if cfg.Cluster.Generation != 0 {
		addr.Generation = cfg.Cluster.Generation
	}
	return addr, nil
}
