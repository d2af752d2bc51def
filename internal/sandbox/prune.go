package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/neoclaw-ai/clawbox/internal/config"
	"github.com/neoclaw-ai/clawbox/internal/logging"
	"github.com/robfig/cron/v3"
)

// Pruner periodically stops containers that have been idle or alive too long.
type Pruner struct {
	manager  *Manager
	schedule string
	idle     time.Duration
	maxAge   time.Duration
	now      func() time.Time
	cron     *cron.Cron
	started  bool
}

// NewPruner creates a cron-backed pruner for manager.
func NewPruner(manager *Manager, cfg config.PruneConfig) *Pruner {
	return &Pruner{
		manager:  manager,
		schedule: cfg.Schedule,
		idle:     cfg.Idle,
		maxAge:   cfg.MaxAge,
		now:      time.Now,
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// Start registers the prune job. An empty schedule disables periodic pruning.
func (p *Pruner) Start(ctx context.Context) error {
	if p.started {
		return errors.New("pruner already started")
	}
	if p.schedule == "" {
		logging.Logger().Info("sandbox pruning disabled")
		return nil
	}

	_, err := p.cron.AddFunc(p.schedule, func() {
		pruned, err := p.PruneOnce(ctx)
		if err != nil {
			logging.Logger().Warn("sandbox prune failed", "err", err)
			return
		}
		if len(pruned) > 0 {
			logging.Logger().Info("sandbox prune complete", "removed", len(pruned))
		}
	})
	if err != nil {
		return fmt.Errorf("register prune schedule %q: %w", p.schedule, err)
	}

	p.cron.Start()
	p.started = true
	logging.Logger().Info("sandbox pruner started", "schedule", p.schedule)
	return nil
}

// Stop stops cron and waits for an in-flight prune to finish or ctx cancellation.
func (p *Pruner) Stop(ctx context.Context) error {
	if !p.started {
		return nil
	}

	doneCtx := p.cron.Stop()
	p.started = false
	select {
	case <-doneCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PruneOnce stops every expired container and returns their names. Tracked
// containers and registry entries left by earlier processes are both considered.
func (p *Pruner) PruneOnce(ctx context.Context) ([]string, error) {
	candidates := p.manager.List()
	if registry := p.manager.opts.Registry; registry != nil {
		entries, err := registry.List()
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !slices.ContainsFunc(candidates, func(c ContainerInfo) bool { return c.Name == entry.Name }) {
				candidates = append(candidates, entry)
			}
		}
	}

	now := p.now()
	var (
		pruned []string
		errs   []error
	)
	for _, info := range candidates {
		if !p.expired(info, now) {
			continue
		}
		if err := p.manager.Stop(ctx, info.Name); err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", info.Name, err))
			continue
		}
		logging.Logger().Info("pruned sandbox container", "container", info.Name, "last_used_at", info.LastUsedAt)
		pruned = append(pruned, info.Name)
	}
	return pruned, errors.Join(errs...)
}

func (p *Pruner) expired(info ContainerInfo, now time.Time) bool {
	if p.idle > 0 && !info.LastUsedAt.IsZero() && now.Sub(info.LastUsedAt) > p.idle {
		return true
	}
	if p.maxAge > 0 && !info.CreatedAt.IsZero() && now.Sub(info.CreatedAt) > p.maxAge {
		return true
	}
	return false
}
