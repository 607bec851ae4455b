// Package driver ticks the per-lab reconciliation passes (enforcement,
// reconcile, link orchestration, overlay convergence) that the rest of
// internal/app/core expose as on-demand RunLab/Sync calls rather than
// self-driving loops, matching the teacher's ticker-based poller idiom.
package driver

import (
	"context"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// RunLabFunc executes one reconciliation pass against a single lab.
type RunLabFunc func(ctx context.Context, labID string) error

// Loop runs fn against every known lab on a fixed interval until Stop is
// called. It implements system.Service.
type Loop struct {
	name     string
	labs     storage.LabStore
	interval time.Duration
	fn       RunLabFunc
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Loop named name, ticking every interval.
func New(name string, labs storage.LabStore, interval time.Duration, fn RunLabFunc, log *logger.Logger) *Loop {
	return &Loop{name: name, labs: labs, interval: interval, fn: fn, log: log}
}

// Name identifies the loop for the lifecycle manager and descriptors.
func (l *Loop) Name() string { return l.name }

// Start launches the ticking goroutine. Safe to call once per Loop.
func (l *Loop) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (l *Loop) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	labs, err := l.labs.ListLabs(ctx, "")
	if err != nil {
		if l.log != nil {
			l.log.WithError(err).Warnf("%s: list labs", l.name)
		}
		return
	}
	for _, lb := range labs {
		if err := l.fn(ctx, lb.ID); err != nil && l.log != nil {
			l.log.WithError(err).Warnf("%s: lab %s", l.name, lb.ID)
		}
	}
}
