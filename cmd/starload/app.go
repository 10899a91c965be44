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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"

	"github.com/aaronlmathis/starload/config"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/events"
	"github.com/aaronlmathis/starload/pipeline"
	"github.com/aaronlmathis/starload/runstore"
	"github.com/aaronlmathis/starload/storage"
	"github.com/aaronlmathis/starload/warehouse"
)

// app holds the components built from one configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	dag       *dag.DAG
	store     storage.ObjectStore
	registry  *warehouse.Registry
	runs      *runstore.Store
	publisher *events.Publisher
	closers   []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	d, err := pipeline.BuildSparkifyDAG(cfg)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, dag: d}, nil
}

func (a *app) gormLogLevel() logger.LogLevel {
	if a.cfg.Logging.Level == "debug" {
		return logger.Info
	}
	return logger.Silent
}

// objectStore returns the store serving the source bucket: a directory
// tree when source.local_dir is set, S3 otherwise.
func (a *app) objectStore(ctx context.Context) (storage.ObjectStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	src := a.cfg.Source
	if src.LocalDir != "" {
		store, err := storage.NewDirStore(src.LocalDir)
		if err != nil {
			return nil, err
		}
		a.store = store
		return store, nil
	}

	opts := []storage.S3StoreOption{storage.WithS3Region(src.Region)}
	if src.Profile != "" {
		opts = append(opts, storage.WithS3Profile(src.Profile))
	}
	if src.Endpoint != "" {
		opts = append(opts, storage.WithS3Endpoint(src.Endpoint), storage.WithS3PathStyle(true))
	}
	store, err := storage.NewS3Store(ctx, opts...)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// warehouse opens the configured pool and registers it under the DAG's
// connection id.
func (a *app) warehouse(ctx context.Context) (*warehouse.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	wh := a.cfg.Warehouse

	var pool warehouse.Pool
	switch wh.Driver {
	case "redshift":
		p, err := warehouse.NewRedshiftPool(ctx,
			warehouse.WithRedshiftDSN(wh.DSN),
			warehouse.WithRedshiftConnectionPool(wh.MaxOpenConns, wh.MaxOpenConns, 30*time.Minute, 5*time.Minute),
			warehouse.WithStatementTimeout(time.Duration(wh.StatementTimeout)),
		)
		if err != nil {
			return nil, err
		}
		pool = p
	case "local":
		store, err := a.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		p, err := warehouse.NewLocalPool(wh.LocalPath,
			warehouse.WithLocalStore(store),
			warehouse.WithLocalLogLevel(a.gormLogLevel()),
		)
		if err != nil {
			return nil, err
		}
		pool = p
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", wh.Driver)
	}

	registry := warehouse.NewRegistry()
	if err := registry.Register(wh.ConnID, pool); err != nil {
		pool.Close()
		return nil, err
	}
	a.registry = registry
	a.closers = append(a.closers, registry.Close)
	a.logger.Info("warehouse connected", "driver", wh.Driver, "conn_id", wh.ConnID)
	return registry, nil
}

// observers opens the run store and the event publisher when configured.
func (a *app) observers() ([]dag.RunObserver, error) {
	var observers []dag.RunObserver

	if a.cfg.RunStore.Driver != "" {
		store, err := runstore.Open(a.cfg.RunStore.Driver, a.cfg.RunStore.DSN, runstore.WithLogLevel(a.gormLogLevel()))
		if err != nil {
			return nil, err
		}
		a.runs = store
		a.closers = append(a.closers, store.Close)
		observers = append(observers, store)
		a.logger.Info("recording run history", "driver", a.cfg.RunStore.Driver)
	}

	if len(a.cfg.Events.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(a.cfg.Events.Brokers, a.cfg.Events.Topic)
		if err != nil {
			return nil, err
		}
		a.publisher = publisher
		a.closers = append(a.closers, publisher.Close)
		observers = append(observers, publisher)
		a.logger.Info("publishing run events", "brokers", a.cfg.Events.Brokers, "topic", a.cfg.Events.Topic)
	}
	return observers, nil
}

// executor wires the warehouse and the observers into a DAG executor.
func (a *app) executor(ctx context.Context) (*dag.DAGExecutor, error) {
	registry, err := a.warehouse(ctx)
	if err != nil {
		return nil, err
	}
	observers, err := a.observers()
	if err != nil {
		return nil, err
	}
	return dag.NewDAGExecutor(registry,
		dag.WithMaxWorkers(a.cfg.DAG.MaxParallelism),
		dag.WithObservers(observers...),
	), nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
