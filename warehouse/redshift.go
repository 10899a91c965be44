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

// Package warehouse provides the warehouse connections task sessions run on:
// a Redshift pool over lib/pq, a local SQLite emulation for development and a
// registry mapping connection ids to pools.
package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/aaronlmathis/starload/core"
)

// RedshiftError wraps pool-level failures with the operation being performed.
type RedshiftError struct {
	Op  string // The operation being performed (e.g., "connect", "acquire")
	Err error  // The underlying error
}

// Error returns the error string for RedshiftError.
func (e *RedshiftError) Error() string {
	return fmt.Sprintf("redshift %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for RedshiftError.
func (e *RedshiftError) Unwrap() error {
	return e.Err
}

// PoolStats holds session and statement counters for a pool.
type PoolStats struct {
	SessionsAcquired  int64
	SessionsReleased  int64
	StatementsRun     int64
	StatementFailures int64
	ConnectTime       time.Duration
}

// RedshiftOptions configures the Redshift pool.
type RedshiftOptions struct {
	DSN              string        // PostgreSQL-style connection string
	MaxOpenConns     int           // Max open connections
	MaxIdleConns     int           // Max idle connections
	ConnMaxLifetime  time.Duration // Max connection lifetime
	ConnMaxIdleTime  time.Duration // Max idle connection time
	ConnectTimeout   time.Duration // Timeout for the initial ping
	StatementTimeout time.Duration // Per-statement timeout; zero leaves it to the caller's context
}

// RedshiftOption represents a configuration function for RedshiftOptions.
type RedshiftOption func(*RedshiftOptions)

// WithRedshiftDSN sets the connection string.
func WithRedshiftDSN(dsn string) RedshiftOption {
	return func(opts *RedshiftOptions) {
		opts.DSN = dsn
	}
}

// WithRedshiftConnectionPool sets connection pool limits.
func WithRedshiftConnectionPool(maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) RedshiftOption {
	return func(opts *RedshiftOptions) {
		opts.MaxOpenConns = maxOpen
		opts.MaxIdleConns = maxIdle
		opts.ConnMaxLifetime = maxLifetime
		opts.ConnMaxIdleTime = maxIdleTime
	}
}

// WithConnectTimeout bounds the initial connectivity check.
func WithConnectTimeout(timeout time.Duration) RedshiftOption {
	return func(opts *RedshiftOptions) {
		opts.ConnectTimeout = timeout
	}
}

// WithStatementTimeout bounds every statement run through a session.
func WithStatementTimeout(timeout time.Duration) RedshiftOption {
	return func(opts *RedshiftOptions) {
		opts.StatementTimeout = timeout
	}
}

// RedshiftPool hands out sessions pinned to one connection each.
type RedshiftPool struct {
	db    *sql.DB
	opts  RedshiftOptions
	stats PoolStats
	mu    sync.Mutex
}

// NewRedshiftPool opens a lib/pq connection pool and checks connectivity.
func NewRedshiftPool(ctx context.Context, options ...RedshiftOption) (*RedshiftPool, error) {
	opts := (&RedshiftOptions{}).withDefaults()
	for _, opt := range options {
		opt(opts)
	}
	if err := validateOptions(opts); err != nil {
		return nil, &RedshiftError{Op: "validate", Err: err}
	}

	start := time.Now()
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, &RedshiftError{Op: "connect", Err: connectionFailure(err)}
	}

	pool := newRedshiftPool(db, opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &RedshiftError{Op: "connect", Err: classify("", err)}
	}
	pool.stats.ConnectTime = time.Since(start)

	return pool, nil
}

// NewRedshiftPoolFromDB wraps an existing database handle. The pool takes
// ownership of db.
func NewRedshiftPoolFromDB(db *sql.DB, options ...RedshiftOption) *RedshiftPool {
	opts := (&RedshiftOptions{DSN: "external"}).withDefaults()
	for _, opt := range options {
		opt(opts)
	}
	return newRedshiftPool(db, opts)
}

func newRedshiftPool(db *sql.DB, opts *RedshiftOptions) *RedshiftPool {
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	return &RedshiftPool{db: db, opts: *opts}
}

// withDefaults applies default values to RedshiftOptions.
func (opts *RedshiftOptions) withDefaults() *RedshiftOptions {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 4
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 30 * time.Minute
	}
	if opts.ConnMaxIdleTime == 0 {
		opts.ConnMaxIdleTime = 5 * time.Minute
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	return opts
}

func validateOptions(opts *RedshiftOptions) error {
	if strings.TrimSpace(opts.DSN) == "" {
		return fmt.Errorf("%w: dsn is required", core.ErrConfiguration)
	}
	if opts.MaxIdleConns > opts.MaxOpenConns {
		return fmt.Errorf("%w: max idle connections (%d) exceed max open connections (%d)",
			core.ErrConfiguration, opts.MaxIdleConns, opts.MaxOpenConns)
	}
	if opts.StatementTimeout < 0 {
		return fmt.Errorf("%w: statement timeout cannot be negative", core.ErrConfiguration)
	}
	return nil
}

// Acquire reserves a connection for one task.
func (p *RedshiftPool) Acquire(ctx context.Context) (core.Session, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, &RedshiftError{Op: "acquire", Err: connectionFailure(err)}
	}

	p.mu.Lock()
	p.stats.SessionsAcquired++
	p.mu.Unlock()

	return &redshiftSession{pool: p, conn: conn}, nil
}

// Ping checks connectivity.
func (p *RedshiftPool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return classify("", err)
	}
	return nil
}

// Stats returns a copy of the pool counters.
func (p *RedshiftPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close closes every connection in the pool.
func (p *RedshiftPool) Close() error {
	return p.db.Close()
}

func (p *RedshiftPool) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.StatementsRun++
	if err != nil {
		p.stats.StatementFailures++
	}
}

type redshiftSession struct {
	pool   *RedshiftPool
	conn   *sql.Conn
	closed atomic.Bool
}

func (s *redshiftSession) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.pool.opts.StatementTimeout > 0 {
		return context.WithTimeout(ctx, s.pool.opts.StatementTimeout)
	}
	return ctx, func() {}
}

// Exec implements core.WarehouseClient.
func (s *redshiftSession) Exec(ctx context.Context, statement string) error {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, statement)
	s.pool.record(err)
	return classify(statement, err)
}

// QueryRowCount implements core.WarehouseClient.
func (s *redshiftSession) QueryRowCount(ctx context.Context, query string) (int64, error) {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	var count int64
	err := s.conn.QueryRowContext(ctx, query).Scan(&count)
	s.pool.record(err)
	if err != nil {
		return 0, classify(query, err)
	}
	return count, nil
}

// Close implements core.Session. It is safe to call more than once.
func (s *redshiftSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.mu.Lock()
	s.pool.stats.SessionsReleased++
	s.pool.mu.Unlock()
	return s.conn.Close()
}

// classify maps a driver error onto the warehouse error kinds.
func classify(statement string, err error) error {
	if err == nil {
		return nil
	}
	kind := core.ErrStatementFailure
	if isConnectionError(err) {
		kind = core.ErrConnectionFailure
	}
	return &core.WarehouseError{Kind: kind, Statement: firstLine(statement), Err: err}
}

func connectionFailure(err error) error {
	return &core.WarehouseError{Kind: core.ErrConnectionFailure, Err: err}
}

func isConnectionError(err error) bool {
	// context.DeadlineExceeded also satisfies net.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"28": // invalid authorization specification
			return true
		}
		// admin_shutdown, crash_shutdown, cannot_connect_now
		return pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// firstLine keeps errors short and keeps credential clauses out of them.
func firstLine(statement string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(statement), "\n")
	return line
}
