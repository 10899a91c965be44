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

// Package runstore keeps the history of DAG runs in a relational database
// through gorm. A Store is a dag.RunObserver: attach it to the executor and
// every run and task transition is persisted as it happens.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/internal/ctxlog"
)

// ErrRunNotFound is returned by Get for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// StoreError wraps failures of run store operations.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("run store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// RunRecord is the persisted form of a run.
type RunRecord struct {
	ID           string          `gorm:"primaryKey;size:36"`
	DAGID        string          `gorm:"index;size:128;not null"`
	ScheduledFor time.Time       `gorm:"index"`
	Status       string          `gorm:"index;size:16;not null"`
	StartTime    time.Time       `gorm:"index"`
	EndTime      *time.Time
	Tasks        []TaskRunRecord `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunRecord) TableName() string { return "starload_runs" }

// TaskRunRecord is the persisted state of one task in one run.
type TaskRunRecord struct {
	RunID     string `gorm:"primaryKey;size:36"`
	TaskID    string `gorm:"primaryKey;size:128"`
	Position  int
	State     string `gorm:"size:16;not null"`
	Attempts  int
	StartTime *time.Time
	EndTime   *time.Time
	RowCounts string `gorm:"type:text"` // JSON object of table -> count
	Error     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (TaskRunRecord) TableName() string { return "starload_task_runs" }

// Options configures a Store.
type Options struct {
	LogLevel logger.LogLevel
}

// Option represents a configuration function for Options.
type Option func(*Options)

// WithLogLevel sets gorm's log level.
func WithLogLevel(level logger.LogLevel) Option {
	return func(o *Options) {
		o.LogLevel = level
	}
}

// Store persists runs. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open connects to a sqlite or mysql database and migrates the run tables.
func Open(driver, dsn string, options ...Option) (*Store, error) {
	opts := Options{LogLevel: logger.Silent}
	for _, opt := range options {
		opt(&opts)
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, &StoreError{Op: "open", Err: core.ConfigErrorf("unsupported run store driver %q", driver)}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(opts.LogLevel),
	})
	if err != nil {
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("failed to connect to database: %w", err)}
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, &StoreError{Op: "open", Err: err}
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the run tables.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&RunRecord{}, &TaskRunRecord{}); err != nil {
		return nil, &StoreError{Op: "migrate", Err: fmt.Errorf("failed to auto-migrate database: %w", err)}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save writes a snapshot and all its task states.
func (s *Store) Save(ctx context.Context, snap dag.RunSnapshot) error {
	run := runRecord(snap)
	tasks := make([]TaskRunRecord, len(snap.Tasks))
	for i, t := range snap.Tasks {
		tasks[i] = taskRecord(snap.ID, i, t)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{UpdateAll: true}).Create(&run).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tasks).Error
	})
	if err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	return nil
}

// SaveTask writes one task state. position is the task's index in the run's
// execution order.
func (s *Store) SaveTask(ctx context.Context, runID string, position int, task dag.TaskRun) error {
	rec := taskRecord(runID, position, task)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return &StoreError{Op: "save_task", Err: err}
	}
	return nil
}

// Get returns one run with its tasks in execution order.
func (s *Store) Get(ctx context.Context, id string) (dag.RunSnapshot, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).Preload("Tasks", byPosition).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dag.RunSnapshot{}, &StoreError{Op: "get", Err: fmt.Errorf("%w: %s", ErrRunNotFound, id)}
	}
	if err != nil {
		return dag.RunSnapshot{}, &StoreError{Op: "get", Err: err}
	}
	return snapshot(rec), nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]dag.RunSnapshot, error) {
	var recs []RunRecord
	q := s.db.WithContext(ctx).Preload("Tasks", byPosition).Order("start_time DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}

	snaps := make([]dag.RunSnapshot, len(recs))
	for i, rec := range recs {
		snaps[i] = snapshot(rec)
	}
	return snaps, nil
}

// RunStarted implements dag.RunObserver.
func (s *Store) RunStarted(ctx context.Context, run dag.RunSnapshot) {
	s.observe(ctx, "run started", s.Save(ctx, run))
}

// TaskStateChanged implements dag.RunObserver.
func (s *Store) TaskStateChanged(ctx context.Context, run dag.RunSnapshot, task dag.TaskRun) {
	position := 0
	for i, t := range run.Tasks {
		if t.TaskID == task.TaskID {
			position = i
			break
		}
	}
	s.observe(ctx, "task state changed", s.SaveTask(ctx, run.ID, position, task))
}

// RunFinished implements dag.RunObserver.
func (s *Store) RunFinished(ctx context.Context, run dag.RunSnapshot) {
	s.observe(ctx, "run finished", s.Save(ctx, run))
}

// observe logs persistence failures; a broken history must not fail the run.
func (s *Store) observe(ctx context.Context, event string, err error) {
	if err != nil {
		ctxlog.FromContext(ctx).Warn("recording run history", "event", event, "error", err)
	}
}

func byPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position")
}

func runRecord(snap dag.RunSnapshot) RunRecord {
	return RunRecord{
		ID:           snap.ID,
		DAGID:        snap.DAGID,
		ScheduledFor: snap.ScheduledFor.UTC(),
		Status:       string(snap.Status),
		StartTime:    snap.StartTime.UTC(),
		EndTime:      timePtr(snap.EndTime),
	}
}

func taskRecord(runID string, position int, t dag.TaskRun) TaskRunRecord {
	rec := TaskRunRecord{
		RunID:     runID,
		TaskID:    t.TaskID,
		Position:  position,
		State:     string(t.State),
		Attempts:  t.Attempts,
		StartTime: timePtr(t.StartTime),
		EndTime:   timePtr(t.EndTime),
		Error:     t.Error,
	}
	if len(t.RowCounts) > 0 {
		data, _ := json.Marshal(t.RowCounts)
		rec.RowCounts = string(data)
	}
	return rec
}

func snapshot(rec RunRecord) dag.RunSnapshot {
	snap := dag.RunSnapshot{
		ID:           rec.ID,
		DAGID:        rec.DAGID,
		ScheduledFor: rec.ScheduledFor.UTC(),
		Status:       dag.RunStatus(rec.Status),
		StartTime:    rec.StartTime.UTC(),
		EndTime:      timeValue(rec.EndTime),
		Tasks:        make([]dag.TaskRun, 0, len(rec.Tasks)),
	}
	for _, t := range rec.Tasks {
		task := dag.TaskRun{
			TaskID:    t.TaskID,
			State:     dag.TaskState(t.State),
			Attempts:  t.Attempts,
			StartTime: timeValue(t.StartTime),
			EndTime:   timeValue(t.EndTime),
			Error:     t.Error,
		}
		if t.RowCounts != "" {
			_ = json.Unmarshal([]byte(t.RowCounts), &task.RowCounts)
		}
		snap.Tasks = append(snap.Tasks, task)
	}
	return snap
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
