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

// Package api serves the DAG declaration and its run history over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/route"

	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/runstore"
	"github.com/aaronlmathis/starload/scheduler"
)

const (
	DefaultAddr  = ":8080"
	DefaultLimit = 20
	maxLimit     = 500
)

// Runner starts runs and reports the one in progress. *scheduler.Service
// implements it.
type Runner interface {
	DAG() *dag.DAG
	Trigger(ctx context.Context) (string, error)
	Active() (dag.RunSnapshot, bool)
	Last() (dag.RunSnapshot, bool)
}

// History reads persisted runs. *runstore.Store implements it.
type History interface {
	Get(ctx context.Context, id string) (dag.RunSnapshot, error)
	List(ctx context.Context, limit int) ([]dag.RunSnapshot, error)
}

// Server is the hertz server exposing one DAG.
type Server struct {
	runner  Runner
	history History
	h       *server.Hertz
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	addr     string
	exitWait time.Duration
	history  History
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *serverOptions) {
		if addr != "" {
			o.addr = addr
		}
	}
}

// WithExitWaitTime bounds graceful shutdown.
func WithExitWaitTime(d time.Duration) Option {
	return func(o *serverOptions) { o.exitWait = d }
}

// WithHistory serves run history from a persistent store. Without it only
// the active and last run are known.
func WithHistory(history History) Option {
	return func(o *serverOptions) { o.history = history }
}

// NewServer builds the server and registers its routes.
func NewServer(runner Runner, opts ...Option) *Server {
	o := serverOptions{addr: DefaultAddr, exitWait: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		runner:  runner,
		history: o.history,
		h:       server.Default(server.WithHostPorts(o.addr), server.WithExitWaitTime(o.exitWait)),
	}

	s.h.GET("/ping", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
	s.h.GET("/dag", s.getDAG)
	runs := s.h.Group("/runs")
	{
		runs.GET("", s.listRuns)
		runs.GET("/:id", s.getRun)
		runs.POST("", s.triggerRun)
	}
	return s
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *route.Engine {
	return s.h.Engine
}

// Spin serves until the process receives SIGINT or SIGTERM.
func (s *Server) Spin() {
	s.h.Spin()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.h.Shutdown(ctx)
}

func (s *Server) getDAG(ctx context.Context, c *app.RequestContext) {
	decl, err := s.runner.DAG().Declare()
	if err != nil {
		hlog.CtxErrorf(ctx, "declaring dag: %v", err)
		c.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decl)
}

func (s *Server) listRuns(ctx context.Context, c *app.RequestContext) {
	limit := DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	var snaps []dag.RunSnapshot
	if s.history != nil {
		var err error
		snaps, err = s.history.List(ctx, limit)
		if err != nil {
			hlog.CtxErrorf(ctx, "listing runs: %v", err)
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Error listing runs: " + err.Error()})
			return
		}
	} else {
		snaps = s.recentRuns()
	}

	// the run in progress is only persisted as far as its last transition
	if active, ok := s.runner.Active(); ok {
		for i := range snaps {
			if snaps[i].ID == active.ID {
				snaps[i] = active
			}
		}
	}
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}

	out := make([]RunResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newRunResponse(snap))
	}
	c.JSON(http.StatusOK, utils.H{"runs": out})
}

func (s *Server) getRun(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if active, ok := s.runner.Active(); ok && active.ID == id {
		c.JSON(http.StatusOK, newRunResponse(active))
		return
	}
	if last, ok := s.runner.Last(); ok && last.ID == id {
		c.JSON(http.StatusOK, newRunResponse(last))
		return
	}
	if s.history == nil {
		c.JSON(http.StatusNotFound, utils.H{"error": "Run not found"})
		return
	}

	snap, err := s.history.Get(ctx, id)
	switch {
	case errors.Is(err, runstore.ErrRunNotFound):
		c.JSON(http.StatusNotFound, utils.H{"error": "Run not found"})
	case err != nil:
		hlog.CtxErrorf(ctx, "fetching run %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Error fetching run: " + err.Error()})
	default:
		c.JSON(http.StatusOK, newRunResponse(snap))
	}
}

func (s *Server) triggerRun(ctx context.Context, c *app.RequestContext) {
	runID, err := s.runner.Trigger(ctx)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		c.JSON(http.StatusConflict, utils.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, utils.H{"error": err.Error()})
	case err != nil:
		hlog.CtxErrorf(ctx, "triggering run: %v", err)
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Error triggering run: " + err.Error()})
	default:
		hlog.CtxInfof(ctx, "triggered run %s", runID)
		c.JSON(http.StatusAccepted, utils.H{"run_id": runID})
	}
}

func (s *Server) recentRuns() []dag.RunSnapshot {
	var snaps []dag.RunSnapshot
	if active, ok := s.runner.Active(); ok {
		snaps = append(snaps, active)
	}
	if last, ok := s.runner.Last(); ok {
		snaps = append(snaps, last)
	}
	return snaps
}
