// Package schedule triggers backups on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/logging"
)

// SubmitFunc starts a backup without waiting for it.
type SubmitFunc func() error

// Scheduler submits a backup every time its schedule fires. A tick that
// finds the previous backup still running is skipped.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	cron     *cron.Cron
	submit   SubmitFunc
	logger   *logging.Logger
}

// New parses spec (five standard fields or a descriptor such as "@daily").
func New(spec string, submit SubmitFunc, logger *logging.Logger) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty backup schedule")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Scheduler{
		spec:     spec,
		schedule: schedule,
		cron:     cron.New(),
		submit:   submit,
		logger:   logger.WithComponent("schedule"),
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.tick))
	return s, nil
}

// Spec returns the schedule expression.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.logger.Info("Backups scheduled at %q, next run %s", s.spec, s.Next(time.Now()).Format(time.RFC3339))
	s.cron.Start()
}

// Stop prevents new ticks. The returned context is done once a running tick
// has returned; submitted jobs keep running in the executor.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) tick() {
	err := s.submit()
	switch {
	case err == nil:
		s.logger.Info("Scheduled backup submitted")
	case errors.Is(err, jobs.ErrJobAlreadyRunning):
		s.logger.Skip("Scheduled backup skipped: previous backup still running")
	default:
		s.logger.Error("Scheduled backup not started: %v", err)
	}
}
