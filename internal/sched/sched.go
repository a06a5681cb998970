// Package sched fires the daily generation run at a fixed local time in the
// business timezone.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/wabrum/content-bot/internal/pipeline"
	"github.com/wabrum/content-bot/internal/store"
)

type Runner interface {
	Run(ctx context.Context, trigger store.Trigger) (*pipeline.RunSummary, error)
}

type Scheduler struct {
	cron *cron.Cron
}

// New schedules runner at hour:minute every day, interpreted in tz.
func New(runner Runner, hour, minute int, tz *time.Location) (*Scheduler, error) {
	c := cron.New(cron.WithLocation(tz))
	expr := fmt.Sprintf("%d %d * * *", minute, hour)
	_, err := c.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		log.Info().Str("schedule", expr).Msg("sched: daily run starting")
		if _, err := runner.Run(ctx, store.TriggerScheduled); err != nil {
			log.Error().Err(err).Msg("sched: daily run failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sched: bad schedule %q: %w", expr, err)
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
