// Package cycle runs one component on its own fixed interval.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/sollama58/ASDev/engine/pkg/metrics"
)

// RunFunc is one pass of a cycle. Returned errors are logged and counted; the
// schedule keeps going.
type RunFunc func(ctx context.Context) error

type LoopConfig struct {
	Name         string
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Interval     time.Duration
	InitialDelay time.Duration
	Run          RunFunc

	// ReportPanics forwards recovered panics to sentry's current hub.
	ReportPanics bool
}

func (cfg *LoopConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("name is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Run == nil {
		return errors.New("run func is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.InitialDelay < 0 {
		return errors.New("initial delay must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Loop struct {
	log *slog.Logger
	cfg LoopConfig

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s loop config: %w", cfg.Name, err)
	}
	return &Loop{
		log:     cfg.Logger.With("cycle", cfg.Name),
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (l *Loop) Name() string {
	return l.cfg.Name
}

// Ready reports whether the first run has completed, successfully or not.
func (l *Loop) Ready() bool {
	select {
	case <-l.readyCh:
		return true
	default:
		return false
	}
}

func (l *Loop) WaitReady(ctx context.Context) error {
	select {
	case <-l.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for %s cycle: %w", l.cfg.Name, ctx.Err())
	}
}

// Run blocks until ctx is cancelled. The first pass runs after InitialDelay,
// later passes on every Interval tick. A tick that arrives while a pass is
// still running is dropped by the ticker, never queued.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("cycle: starting", "interval", l.cfg.Interval, "initial_delay", l.cfg.InitialDelay)

	if l.cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-l.cfg.Clock.After(l.cfg.InitialDelay):
		}
	}
	l.safeRun(ctx)

	ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("cycle: stopped")
			return nil
		case <-ticker.Chan():
			l.safeRun(ctx)
		}
	}
}

func (l *Loop) safeRun(ctx context.Context) {
	defer l.readyOnce.Do(func() { close(l.readyCh) })
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("cycle: run panicked", "panic", r)
			metrics.CycleRunsTotal.WithLabelValues(l.cfg.Name, "panic").Inc()
			if l.cfg.ReportPanics {
				sentry.CurrentHub().Recover(r)
			}
		}
	}()

	start := l.cfg.Clock.Now()
	err := l.cfg.Run(ctx)
	duration := l.cfg.Clock.Since(start)
	metrics.CycleDuration.WithLabelValues(l.cfg.Name).Observe(duration.Seconds())

	switch {
	case err == nil:
		metrics.CycleRunsTotal.WithLabelValues(l.cfg.Name, "success").Inc()
		l.log.Debug("cycle: run completed", "duration", duration.String())
	case errors.Is(err, context.Canceled):
		metrics.CycleRunsTotal.WithLabelValues(l.cfg.Name, "canceled").Inc()
	default:
		metrics.CycleRunsTotal.WithLabelValues(l.cfg.Name, "error").Inc()
		l.log.Error("cycle: run failed", "duration", duration.String(), "error", err)
	}
}
