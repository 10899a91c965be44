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

// Package config loads the pipeline configuration: a JSON document checked
// against an embedded JSON Schema, overlaid with STARLOAD_* environment
// variables and then validated.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aaronlmathis/starload/core"
)

//go:embed schema.json
var schemaJSON string

// Duration is a time.Duration written as a Go duration string ("2m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DAGConfig describes the graph and its schedule.
type DAGConfig struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Owner          string     `json:"owner"`
	Schedule       string     `json:"schedule"`
	StartDate      *time.Time `json:"start_date"`
	EndDate        *time.Time `json:"end_date"`
	Retries        int        `json:"retries"`
	RetryDelay     Duration   `json:"retry_delay"`
	Timeout        Duration   `json:"timeout"`
	MaxParallelism int        `json:"max_parallelism"`
}

// WarehouseConfig selects and configures the warehouse connection.
type WarehouseConfig struct {
	ConnID           string   `json:"conn_id"`
	Driver           string   `json:"driver"` // "redshift" or "local"
	DSN              string   `json:"dsn"`
	LocalPath        string   `json:"local_path"`
	IAMRole          string   `json:"iam_role"` // role ARN or raw credentials string used by COPY
	StatementTimeout Duration `json:"statement_timeout"`
	MaxOpenConns     int      `json:"max_open_conns"`
}

// StageConfig configures one stage task.
type StageConfig struct {
	Table        string `json:"table"`
	Prefix       string `json:"prefix"`
	Format       string `json:"format"`
	Mapping      string `json:"mapping"`
	Delimiter    string `json:"delimiter"`
	IgnoreHeader int    `json:"ignore_header"`
}

// SourceConfig locates the raw data in bulk storage.
type SourceConfig struct {
	Bucket   string      `json:"bucket"`
	Region   string      `json:"region"`
	Profile  string      `json:"profile"`
	Endpoint string      `json:"endpoint"`
	LocalDir string      `json:"local_dir"` // serve buckets from this directory instead of S3
	Events   StageConfig `json:"events"`
	Songs    StageConfig `json:"songs"`
}

// LoadConfig holds the truncate flags of the load tasks.
type LoadConfig struct {
	TruncateFact       bool `json:"truncate_fact"`
	TruncateDimensions bool `json:"truncate_dimensions"`
}

// QualityConfig lists the tables the quality gate checks, in order.
type QualityConfig struct {
	Tables   []string         `json:"tables"`
	MinRows  map[string]int64 `json:"min_rows,omitempty"`
	Strategy string           `json:"strategy"`
}

// RunStoreConfig selects where run history is kept. An empty driver disables it.
type RunStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig configures lifecycle event publishing. No brokers disables it.
type EventsConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type APIConfig struct {
	Addr string `json:"addr"`
}

type LoggingConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

// Config is the complete pipeline configuration.
type Config struct {
	DAG       DAGConfig       `json:"dag"`
	Warehouse WarehouseConfig `json:"warehouse"`
	Source    SourceConfig    `json:"source"`
	Load      LoadConfig      `json:"load"`
	Quality   QualityConfig   `json:"quality"`
	RunStore  RunStoreConfig  `json:"run_store"`
	Events    EventsConfig    `json:"events"`
	API       APIConfig       `json:"api"`
	Logging   LoggingConfig   `json:"logging"`
}

// Default returns the configuration of the hourly Sparkify deployment.
func Default() *Config {
	start := time.Date(2020, 5, 24, 20, 0, 0, 0, time.UTC)
	end := time.Date(2020, 5, 24, 22, 0, 0, 0, time.UTC)
	return &Config{
		DAG: DAGConfig{
			ID:             "dag",
			Name:           "Sparkify star schema load",
			Description:    "Load and transform data in Redshift",
			Owner:          "sparkify",
			Schedule:       "0 * * * *",
			StartDate:      &start,
			EndDate:        &end,
			Retries:        1,
			RetryDelay:     Duration(2 * time.Minute),
			Timeout:        Duration(30 * time.Minute),
			MaxParallelism: 4,
		},
		Warehouse: WarehouseConfig{
			ConnID:           "redshift",
			Driver:           "redshift",
			LocalPath:        "starload.db",
			StatementTimeout: Duration(20 * time.Minute),
			MaxOpenConns:     8,
		},
		Source: SourceConfig{
			Bucket: "udacity-dend",
			Region: "us-west-2",
			Events: StageConfig{
				Table:   "public.staging_events",
				Prefix:  "log_data",
				Format:  "json",
				Mapping: "s3://udacity-dend/log_json_path.json",
			},
			Songs: StageConfig{
				Table:   "public.staging_songs",
				Prefix:  "song_data",
				Format:  "json",
				Mapping: "auto",
			},
		},
		Load: LoadConfig{TruncateFact: true, TruncateDimensions: true},
		Quality: QualityConfig{
			Tables: []string{
				"public.staging_events",
				"public.staging_songs",
				"public.songplays",
				"public.users",
				"public.artists",
				"public.songs",
				"public.time",
			},
			Strategy: "fail_fast",
		},
		Events:  EventsConfig{Topic: "starload.runs"},
		API:     APIConfig{Addr: ":8080"},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// Load reads path (or only the defaults when path is empty), applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, core.ConfigErrorf("read %s: %v", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse checks data against the schema and overlays it on Default.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, core.ConfigErrorf("decode: %v", err)
	}
	return cfg, nil
}

func validateSchema(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.ConfigErrorf("invalid JSON: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return core.ConfigErrorf("%s", describe(verr))
		}
		return core.ConfigErrorf("schema validation: %v", err)
	}
	return nil
}

// describe flattens a validation error to "location: message" lines.
func describe(verr *jsonschema.ValidationError) string {
	var lines []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			lines = append(lines, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(lines, "; ")
}

// ApplyEnv overrides settings from STARLOAD_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	str("STARLOAD_WAREHOUSE_DSN", &c.Warehouse.DSN)
	str("STARLOAD_WAREHOUSE_DRIVER", &c.Warehouse.Driver)
	str("STARLOAD_IAM_ROLE", &c.Warehouse.IAMRole)
	str("STARLOAD_S3_BUCKET", &c.Source.Bucket)
	str("STARLOAD_REGION", &c.Source.Region)
	str("STARLOAD_RUNSTORE_DSN", &c.RunStore.DSN)
	str("STARLOAD_API_ADDR", &c.API.Addr)
	str("STARLOAD_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("STARLOAD_KAFKA_BROKERS"); ok && v != "" {
		c.Events.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Events.Brokers = append(c.Events.Brokers, b)
			}
		}
	}
}

// Validate checks the cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, core.ConfigErrorf(format, args...))
	}

	if c.DAG.ID == "" {
		add("dag.id is required")
	}
	if c.DAG.Retries < 0 {
		add("dag.retries cannot be negative")
	}
	if c.DAG.MaxParallelism < 1 {
		add("dag.max_parallelism must be at least 1")
	}
	if c.DAG.StartDate != nil && c.DAG.EndDate != nil && c.DAG.EndDate.Before(*c.DAG.StartDate) {
		add("dag.end_date %s is before dag.start_date %s", c.DAG.EndDate.Format(time.RFC3339), c.DAG.StartDate.Format(time.RFC3339))
	}

	switch c.Warehouse.Driver {
	case "redshift":
		if c.Warehouse.DSN == "" {
			add("warehouse.dsn is required for the redshift driver (or set STARLOAD_WAREHOUSE_DSN)")
		}
	case "local":
		if c.Warehouse.LocalPath == "" {
			add("warehouse.local_path is required for the local driver")
		}
	default:
		add("unknown warehouse.driver %q", c.Warehouse.Driver)
	}
	if c.Warehouse.IAMRole == "" {
		add("warehouse.iam_role is required (or set STARLOAD_IAM_ROLE)")
	}

	if c.Source.Bucket == "" {
		add("source.bucket is required")
	}
	for _, stage := range []struct {
		name string
		cfg  StageConfig
	}{{"events", c.Source.Events}, {"songs", c.Source.Songs}} {
		if !core.ValidTableName(stage.cfg.Table) {
			add("source.%s.table %q is not a valid table name", stage.name, stage.cfg.Table)
		}
		if stage.cfg.Prefix == "" {
			add("source.%s.prefix is required", stage.name)
		}
	}

	if len(c.Quality.Tables) == 0 {
		add("quality.tables must list at least one table")
	}
	for table := range c.Quality.MinRows {
		if !contains(c.Quality.Tables, table) {
			add("quality.min_rows names %s, which is not in quality.tables", table)
		}
	}
	if _, err := core.ParseErrorStrategy(c.Quality.Strategy); err != nil {
		errs = append(errs, err)
	}

	switch c.RunStore.Driver {
	case "":
	case "sqlite", "mysql":
		if c.RunStore.DSN == "" {
			add("run_store.dsn is required for the %s driver", c.RunStore.Driver)
		}
	default:
		add("unknown run_store.driver %q", c.RunStore.Driver)
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		add("events.topic is required when brokers are set")
	}

	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
