package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/store"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Readiness interface {
	Ready() bool
}

type Store interface {
	GetStat(ctx context.Context, key string) (string, error)
	RecentCycleLogs(ctx context.Context, limit int) ([]store.CycleLog, error)
	RecentAirdropLogs(ctx context.Context, limit int) ([]store.AirdropLog, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	AllowedOrigins    []string

	State     *accounting.State
	Store     Store
	Readiness Readiness
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.State == nil {
		return errors.New("accounting state is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Readiness == nil {
		return errors.New("readiness is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}
