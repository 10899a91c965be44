//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of StarLoad.
//
// StarLoad is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// StarLoad is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with StarLoad. If not, see https://www.gnu.org/licenses/.

// Package scheduler triggers DAG runs on the DAG's cron schedule with gocron.
//
// Schedules are evaluated in UTC. Ticks outside the DAG's start/end window are
// ignored, at most one run is active at a time and missed ticks are not
// caught up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/internal/ctxlog"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNotScheduled is returned by NextRun when no cron job is registered.
	ErrNotScheduled = errors.New("dag is not scheduled")
	// ErrStopped is returned when a run is requested after Stop.
	ErrStopped = errors.New("scheduler is stopped")
)

// Executor drives a run to completion. *dag.DAGExecutor implements it.
type Executor interface {
	ExecuteRun(ctx context.Context, run *dag.Run) (dag.RunSnapshot, error)
}

// Service owns the cron job of one DAG and the runs it starts.
type Service struct {
	dag       *dag.DAG
	executor  Executor
	scheduler gocron.Scheduler
	now       func() time.Time

	mu      sync.Mutex
	idle    *sync.Cond
	job     gocron.Job
	active  *dag.Run
	last    *dag.RunSnapshot
	stopped bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for window checks and manual run times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a stopped service for d.
func New(d *dag.DAG, executor Executor, opts ...Option) (*Service, error) {
	if d == nil || executor == nil {
		return nil, core.ConfigErrorf("scheduler needs a dag and an executor")
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	svc := &Service{dag: d, executor: executor, scheduler: s, now: time.Now}
	svc.idle = sync.NewCond(&svc.mu)
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// DAG returns the scheduled DAG.
func (s *Service) DAG() *dag.DAG {
	return s.dag
}

// Start registers the cron job and starts the scheduler. Runs started by the
// schedule use ctx. A DAG without a schedule, or whose end date has passed,
// only runs when triggered.
func (s *Service) Start(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("dag_id", s.dag.ID())
	md := s.dag.Metadata()
	now := s.now().UTC()

	switch {
	case md.Schedule == "":
		logger.Info("dag has no schedule; runs must be triggered")
	case !md.EndDate.IsZero() && !md.EndDate.After(now):
		logger.Info("schedule window has ended", "end_date", md.EndDate.UTC().Format(time.RFC3339))
	default:
		opts := []gocron.JobOption{
			gocron.WithName(s.dag.ID()),
			gocron.WithTags("dag:" + s.dag.ID()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if md.StartDate.After(now) {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(md.StartDate)))
		}
		if !md.EndDate.IsZero() {
			opts = append(opts, gocron.WithStopAt(gocron.WithStopDateTime(md.EndDate)))
		}

		job, err := s.scheduler.NewJob(
			gocron.CronJob(md.Schedule, false),
			gocron.NewTask(func() { s.tick(ctx) }),
			opts...,
		)
		if err != nil {
			return core.ConfigErrorf("schedule %q: %v", md.Schedule, err)
		}
		s.mu.Lock()
		s.job = job
		s.mu.Unlock()
	}

	s.scheduler.Start()
	if next, err := s.NextRun(); err == nil {
		logger.Info("dag scheduled", "schedule", md.Schedule, "next_run", next.Format(time.RFC3339))
	}
	return nil
}

// Stop refuses new runs, shuts the scheduler down and waits for an active
// run to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	err := s.scheduler.Shutdown()
	s.Wait()
	if err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	return nil
}

// Wait blocks until no run is active.
func (s *Service) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active != nil {
		s.idle.Wait()
	}
}

// NextRun returns the next scheduled tick.
func (s *Service) NextRun() (time.Time, error) {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil {
		return time.Time{}, ErrNotScheduled
	}
	next, err := job.NextRun()
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC(), nil
}

// InWindow reports whether t falls inside the DAG's start/end dates.
func (s *Service) InWindow(t time.Time) bool {
	md := s.dag.Metadata()
	if !md.StartDate.IsZero() && t.Before(md.StartDate) {
		return false
	}
	if !md.EndDate.IsZero() && t.After(md.EndDate) {
		return false
	}
	return true
}

// tick runs on every cron firing.
func (s *Service) tick(ctx context.Context) {
	logger := ctxlog.FromContext(ctx).With("dag_id", s.dag.ID())
	scheduledFor := s.now().UTC().Truncate(time.Minute)
	if !s.InWindow(scheduledFor) {
		logger.Debug("tick outside schedule window", "scheduled_for", scheduledFor)
		return
	}
	if _, err := s.RunNow(ctx, scheduledFor); err != nil {
		switch {
		case errors.Is(err, ErrStopped):
			logger.Debug("tick after stop", "scheduled_for", scheduledFor)
			return
		case errors.Is(err, ErrRunInProgress):
			logger.Warn("skipping scheduled run", "scheduled_for", scheduledFor, "error", err)
			return
		}
		logger.Error("scheduled run failed", "scheduled_for", scheduledFor, "error", err)
	}
}

// Trigger starts a run in the background and returns its id. The run
// outlives ctx's cancellation but keeps its values.
func (s *Service) Trigger(ctx context.Context) (string, error) {
	run, err := s.begin(s.now())
	if err != nil {
		return "", err
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if _, err := s.execute(ctx, run); err != nil {
			ctxlog.FromContext(ctx).Error("triggered run failed", "run_id", run.ID(), "error", err)
		}
	}()
	return run.ID(), nil
}

// RunNow executes a run for scheduledFor and waits for it.
func (s *Service) RunNow(ctx context.Context, scheduledFor time.Time) (dag.RunSnapshot, error) {
	run, err := s.begin(scheduledFor)
	if err != nil {
		return dag.RunSnapshot{}, err
	}
	return s.execute(ctx, run)
}

// Active returns the run in progress, if any.
func (s *Service) Active() (dag.RunSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return dag.RunSnapshot{}, false
	}
	return s.active.Snapshot(), true
}

// Last returns the most recently finished run, if any.
func (s *Service) Last() (dag.RunSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return dag.RunSnapshot{}, false
	}
	return *s.last, true
}

func (s *Service) begin(scheduledFor time.Time) (*dag.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if s.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, s.active.ID())
	}
	run, err := dag.NewRun(s.dag, scheduledFor)
	if err != nil {
		return nil, err
	}
	s.active = run
	return run, nil
}

func (s *Service) execute(ctx context.Context, run *dag.Run) (dag.RunSnapshot, error) {
	snap, err := s.executor.ExecuteRun(ctx, run)

	s.mu.Lock()
	s.active = nil
	s.last = &snap
	s.idle.Broadcast()
	s.mu.Unlock()
	return snap, err
}
