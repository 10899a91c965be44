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

package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/storage"
)

// LocalOptions configures the local warehouse.
type LocalOptions struct {
	Store     storage.ObjectStore // Source of COPY objects
	LogLevel  logger.LogLevel     // gorm statement logging
	BatchSize int                 // Rows per INSERT during COPY
}

// LocalOption represents a configuration function for LocalOptions.
type LocalOption func(*LocalOptions)

// WithLocalStore sets the object store COPY statements read from.
func WithLocalStore(store storage.ObjectStore) LocalOption {
	return func(opts *LocalOptions) {
		opts.Store = store
	}
}

// WithLocalLogLevel sets gorm's log level.
func WithLocalLogLevel(level logger.LogLevel) LocalOption {
	return func(opts *LocalOptions) {
		opts.LogLevel = level
	}
}

// WithLocalBatchSize sets the number of rows per INSERT during COPY.
func WithLocalBatchSize(size int) LocalOption {
	return func(opts *LocalOptions) {
		opts.BatchSize = size
	}
}

// LocalPool is a SQLite stand-in for Redshift. It understands the statements
// task operators render: TRUNCATE becomes DELETE, COPY is emulated by reading
// objects from an ObjectStore, and the public schema prefix is dropped.
type LocalPool struct {
	db    *gorm.DB
	opts  LocalOptions
	stats PoolStats
	mu    sync.Mutex
}

// NewLocalPool opens (or creates) the SQLite database at path.
func NewLocalPool(path string, options ...LocalOption) (*LocalPool, error) {
	opts := LocalOptions{LogLevel: logger.Silent, BatchSize: 200}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.BatchSize <= 0 {
		return nil, &RedshiftError{Op: "validate", Err: fmt.Errorf("%w: batch size must be positive", core.ErrConfiguration)}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(opts.LogLevel),
	})
	if err != nil {
		return nil, &RedshiftError{Op: "open_local", Err: connectionFailure(err)}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &RedshiftError{Op: "open_local", Err: connectionFailure(err)}
	}
	// one writer at a time; in-memory databases are per connection
	sqlDB.SetMaxOpenConns(1)

	return &LocalPool{db: db, opts: opts}, nil
}

// DB exposes the underlying gorm handle.
func (p *LocalPool) DB() *gorm.DB {
	return p.db
}

// Acquire implements Pool. Sessions share the pool's single connection.
func (p *LocalPool) Acquire(ctx context.Context) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectionFailure(err)
	}
	p.mu.Lock()
	p.stats.SessionsAcquired++
	p.mu.Unlock()
	return &localSession{pool: p}, nil
}

// Stats returns a copy of the pool counters.
func (p *LocalPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close closes the database.
func (p *LocalPool) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	schemaPrefixPattern = regexp.MustCompile(`(?i)\bpublic\.`)
	localTruncPattern   = regexp.MustCompile(`(?is)^\s*TRUNCATE\s+(?:TABLE\s+)?(\S+)\s*;?\s*$`)
	lengthPattern       = regexp.MustCompile(`\(\s*(\d+)`)
)

// Exec runs statement, translating Redshift-only forms.
func (p *LocalPool) Exec(ctx context.Context, statement string) error {
	var err error
	switch {
	case IsCopy(statement):
		err = p.copy(ctx, statement)
	case localTruncPattern.MatchString(statement):
		table := localTable(localTruncPattern.FindStringSubmatch(statement)[1])
		err = p.db.WithContext(ctx).Exec("DELETE FROM " + table).Error
	default:
		err = p.db.WithContext(ctx).Exec(schemaPrefixPattern.ReplaceAllString(statement, "")).Error
	}
	p.record(err)
	return p.classify(statement, err)
}

// QueryRowCount runs a single-integer query.
func (p *LocalPool) QueryRowCount(ctx context.Context, query string) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).Raw(schemaPrefixPattern.ReplaceAllString(query, "")).Row().Scan(&count)
	p.record(err)
	if err != nil {
		return 0, p.classify(query, err)
	}
	return count, nil
}

func (p *LocalPool) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.StatementsRun++
	if err != nil {
		p.stats.StatementFailures++
	}
}

func (p *LocalPool) classify(statement string, err error) error {
	var werr *core.WarehouseError
	if errors.As(err, &werr) {
		return err
	}
	return classify(statement, err)
}

func localTable(name string) string {
	return schemaPrefixPattern.ReplaceAllString(name, "")
}

// localColumn is one column of a target table as SQLite declares it.
type localColumn struct {
	Name string
	Type string
}

func (c localColumn) isTimestamp() bool {
	t := strings.ToUpper(c.Type)
	return strings.Contains(t, "TIMESTAMP") || t == "DATETIME"
}

// length returns the declared character length, or 0 when unbounded.
func (c localColumn) length() int {
	t := strings.ToUpper(c.Type)
	if !strings.Contains(t, "CHAR") {
		return 0
	}
	m := lengthPattern.FindStringSubmatch(t)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func (p *LocalPool) columns(ctx context.Context, table string) ([]localColumn, error) {
	var info []struct {
		Cid  int
		Name string
		Type string
	}
	if err := p.db.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA table_info(%q)", table)).Scan(&info).Error; err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}

	cols := make([]localColumn, len(info))
	for i, c := range info {
		cols[i] = localColumn{Name: c.Name, Type: c.Type}
	}
	return cols, nil
}

// copy emulates COPY: every object under the source prefix is decoded and its
// rows appended to the table in one transaction.
func (p *LocalPool) copy(ctx context.Context, statement string) error {
	spec, err := ParseCopy(statement)
	if err != nil {
		return err
	}
	if p.opts.Store == nil {
		return errors.New("no object store configured for COPY")
	}

	table := localTable(spec.Table)
	cols, err := p.columns(ctx, table)
	if err != nil {
		return err
	}

	rows, err := p.sourceRows(ctx, spec, cols)
	if err != nil {
		return err
	}

	records := make([]map[string]interface{}, 0, len(rows))
	for n, row := range rows {
		record := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			var v any
			if i < len(row) {
				v = row[i]
			}
			coerced, err := coerce(v, col, spec)
			if err != nil {
				return fmt.Errorf("row %d, column %s: %w", n+1, col.Name, err)
			}
			record[col.Name] = coerced
		}
		records = append(records, record)
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(records); start += p.opts.BatchSize {
			end := min(start+p.opts.BatchSize, len(records))
			if err := tx.Table(table).Create(records[start:end]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// sourceRows returns every source record as a row in table column order.
// Extra fields are dropped and missing fields are left nil.
func (p *LocalPool) sourceRows(ctx context.Context, spec *CopySpec, cols []localColumn) ([][]any, error) {
	bucket, prefix, err := storage.ParseURI(spec.Source)
	if err != nil {
		return nil, err
	}
	objects, err := p.opts.Store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("no objects found under %s", spec.Source)
	}

	var paths storage.JSONPaths
	ignoreCase := strings.EqualFold(spec.JSONMapping, "auto ignorecase")
	if spec.Format == CopyJSON && !ignoreCase && !strings.EqualFold(spec.JSONMapping, "auto") {
		if paths, err = p.loadJSONPaths(ctx, spec.JSONMapping); err != nil {
			return nil, err
		}
		if len(paths) != len(cols) {
			return nil, fmt.Errorf("number of jsonpaths (%d) and columns (%d) should match", len(paths), len(cols))
		}
	}

	var rows [][]any
	for _, obj := range objects {
		data, err := storage.ReadAll(ctx, p.opts.Store, bucket, obj.Key)
		if err != nil {
			return nil, err
		}

		switch spec.Format {
		case CopyJSON:
			records, err := storage.DecodeJSON(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", obj.Key, err)
			}
			for _, rec := range records {
				if paths != nil {
					rows = append(rows, paths.Extract(rec))
				} else {
					rows = append(rows, byName(rec, cols, ignoreCase))
				}
			}
		case CopyCSV:
			comma, err := storage.ParseDelimiter(spec.Delimiter)
			if err != nil {
				return nil, err
			}
			decoded, err := storage.DecodeCSV(ctx, bytes.NewReader(data), storage.CSVOptions{Comma: comma, IgnoreHeader: spec.IgnoreHeader})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", obj.Key, err)
			}
			rows = append(rows, decoded...)
		case CopyParquet:
			decoded, err := storage.DecodeParquet(ctx, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", obj.Key, err)
			}
			rows = append(rows, decoded.Rows...)
		}
	}
	return rows, nil
}

func (p *LocalPool) loadJSONPaths(ctx context.Context, uri string) (storage.JSONPaths, error) {
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := storage.ReadAll(ctx, p.opts.Store, bucket, key)
	if err != nil {
		return nil, err
	}
	return storage.ParseJSONPaths(data)
}

// byName matches record keys to the lower-case column names. Keys must match
// exactly unless ignoreCase is set.
func byName(rec storage.Record, cols []localColumn, ignoreCase bool) []any {
	keys := make(map[string]any, len(rec))
	for k, v := range rec {
		if ignoreCase {
			k = strings.ToLower(k)
		}
		keys[k] = v
	}
	row := make([]any, len(cols))
	for i, col := range cols {
		row[i] = keys[strings.ToLower(col.Name)]
	}
	return row
}

// coerce applies the COPY data conversion options to one value.
func coerce(v any, col localColumn, spec *CopySpec) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if spec.EmptyAsNull && val == "" {
			return nil, nil
		}
		if spec.BlanksAsNull && val != "" && strings.TrimSpace(val) == "" {
			return nil, nil
		}
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		v = string(data)
	}

	if col.isTimestamp() && spec.EpochMillis {
		if ms, ok := asInt64(v); ok {
			return time.UnixMilli(ms).UTC(), nil
		}
	}

	if s, ok := v.(string); ok {
		if limit := col.length(); limit > 0 && utf8.RuneCountInString(s) > limit {
			if !spec.TruncateColumns {
				return nil, fmt.Errorf("value too long for type character varying(%d)", limit)
			}
			v = string([]rune(s)[:limit])
		}
	}
	return v, nil
}

func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	}
	return 0, false
}

type localSession struct {
	pool   *LocalPool
	closed atomic.Bool
}

func (s *localSession) Exec(ctx context.Context, statement string) error {
	return s.pool.Exec(ctx, statement)
}

func (s *localSession) QueryRowCount(ctx context.Context, query string) (int64, error) {
	return s.pool.QueryRowCount(ctx, query)
}

func (s *localSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.mu.Lock()
		s.pool.stats.SessionsReleased++
		s.pool.mu.Unlock()
	}
	return nil
}
