// Package scheduler triggers the bulk collection and the user directory syncs
// on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/worklog/internal/metrics"
	"github.com/suPer8Hu/worklog/internal/worklog"
)

type BulkCollector interface {
	CollectAll(ctx context.Context, trigger string) (worklog.BulkResult, error)
}

type Scheduler struct {
	cron      *cron.Cron
	collector BulkCollector
	logger    zerolog.Logger
	// ctx is the parent of every triggered run; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	entry  cron.EntryID
}

// New parses spec (standard five fields, evaluated in UTC) and registers the
// bulk collection. Overlapping ticks are skipped while a run is in progress.
func New(spec string, collector BulkCollector, logger zerolog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, collector: collector, logger: logger, ctx: ctx, cancel: cancel}

	id, err := c.AddFunc(spec, s.RunOnce)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse collect cron %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func NewDefault(spec string, collector BulkCollector) (*Scheduler, error) {
	return New(spec, collector, log.Logger)
}

// RunOnce runs one bulk collection synchronously.
func (s *Scheduler) RunOnce() {
	start := time.Now()
	res, err := s.collector.CollectAll(s.ctx, metrics.TriggerScheduled)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled collection failed")
		return
	}
	if res.Skipped {
		return
	}
	s.logger.Info().Int("users", res.Users).Dur("took", time.Since(start)).Msg("scheduled collection done")
}

// AddTask registers fn on spec with the same recover and skip-if-running
// wrapping as the collection. fn gets the context Stop cancels.
func (s *Scheduler) AddTask(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			s.logger.Error().Err(err).Str("task", name).Msg("scheduled task failed")
			return
		}
		s.logger.Debug().Str("task", name).Dur("took", time.Since(start)).Msg("scheduled task done")
	})
	if err != nil {
		return fmt.Errorf("parse %s cron %q: %w", name, spec, err)
	}
	return nil
}

// Next reports the next scheduled run, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Time("next", s.Next()).Msg("collection scheduler started")
}

// Stop cancels in-flight runs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
