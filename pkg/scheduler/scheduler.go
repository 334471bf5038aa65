// Package scheduler drives memory maintenance: periodic consolidation with
// backlog watermarks, and episodic forgetting on its own cadence.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/logger"
	"github.com/kioku-ai/kioku/pkg/memory"
)

const tickInterval = time.Minute

// Scheduler evaluates the cron expressions once per minute and keeps the
// consolidation backlog between the configured watermarks. Consolidation is
// single-flight: a tick that arrives while a run is still draining is
// skipped.
type Scheduler struct {
	cfg           config.SchedulerConfig
	memory        *memory.Manager
	llm           memory.LLMClient
	gron          *gronx.Gronx
	consolidating atomic.Bool
	log           zerolog.Logger
}

func New(cfg config.SchedulerConfig, mgr *memory.Manager, llm memory.LLMClient) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		memory: mgr,
		llm:    llm,
		gron:   gronx.New(),
		log:    logger.Component("scheduler"),
	}
}

// Run ticks once per minute until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs whatever maintenance is due at the given instant.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if s.consolidationDue(now) {
		s.runConsolidation(ctx)
	}
	if s.isDue(s.cfg.ForgetSchedule, now) {
		s.runForgetting()
	}
}

// consolidationDue fires on the cron schedule, or early whenever the
// backlog climbs past the high watermark.
func (s *Scheduler) consolidationDue(now time.Time) bool {
	if s.isDue(s.cfg.ConsolidateSchedule, now) {
		return true
	}
	if s.cfg.HighWatermark <= 0 {
		return false
	}
	backlog, err := s.memory.UnconsolidatedCount()
	if err != nil {
		s.log.Warn().Err(err).Msg("backlog check failed")
		return false
	}
	return backlog > s.cfg.HighWatermark
}

func (s *Scheduler) isDue(expr string, now time.Time) bool {
	if expr == "" {
		return false
	}
	due, err := s.gron.IsDue(expr, now)
	if err != nil {
		s.log.Warn().Err(err).Str("expr", expr).Msg("bad cron expression")
		return false
	}
	return due
}

// runConsolidation drains the backlog down to the low watermark, stopping
// early when a pass makes no progress (for example a persistent provider
// outage).
func (s *Scheduler) runConsolidation(ctx context.Context) {
	if !s.consolidating.CompareAndSwap(false, true) {
		s.log.Debug().Msg("consolidation already running, tick skipped")
		return
	}
	defer s.consolidating.Store(false)

	floor := s.cfg.LowWatermark
	if floor < 0 {
		floor = 0
	}

	prev := -1
	for {
		backlog, err := s.memory.UnconsolidatedCount()
		if err != nil {
			s.log.Error().Err(err).Msg("backlog count failed")
			return
		}
		if backlog <= floor {
			return
		}
		if backlog == prev {
			s.log.Warn().Int("backlog", backlog).Msg("consolidation stalled, giving up until next tick")
			return
		}
		prev = backlog

		created, err := s.memory.ConsolidateMemories(ctx, s.llm, 0)
		if err != nil {
			s.log.Error().Err(err).Msg("consolidation run failed")
			return
		}
		s.log.Info().Int("facts", created).Int("backlog", backlog).Msg("consolidation pass complete")
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) runForgetting() {
	removed, err := s.memory.Forget()
	if err != nil {
		s.log.Error().Err(err).Msg("forgetting run failed")
		return
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("forgetting run complete")
	}
}
