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

// ddl.go - Staging and star schema tables
package pipeline

import (
	"fmt"
	"strings"
)

// Table names of the Sparkify warehouse.
const (
	StagingEventsTable = "public.staging_events"
	StagingSongsTable  = "public.staging_songs"
	SongplaysTable     = "public.songplays"
	UsersTable         = "public.users"
	SongsTable         = "public.songs"
	ArtistsTable       = "public.artists"
	TimeTable          = "public.time"
)

type column struct {
	name     string
	redshift string
	sqlite   string
}

type tableDef struct {
	name       string
	columns    []column
	primaryKey string
}

func col(name, redshift, sqlite string) column {
	return column{name: name, redshift: redshift, sqlite: sqlite}
}

// The staging column order matches log_json_path.json and the song files.
var schema = []tableDef{
	{
		name: StagingEventsTable,
		columns: []column{
			col("artist", "VARCHAR(256)", "VARCHAR(256)"),
			col("auth", "VARCHAR(256)", "VARCHAR(256)"),
			col("firstname", "VARCHAR(256)", "VARCHAR(256)"),
			col("gender", "VARCHAR(256)", "VARCHAR(256)"),
			col("iteminsession", "INT4", "INTEGER"),
			col("lastname", "VARCHAR(256)", "VARCHAR(256)"),
			col("length", "NUMERIC(18,0)", "REAL"),
			col("level", "VARCHAR(256)", "VARCHAR(256)"),
			col("location", "VARCHAR(256)", "VARCHAR(256)"),
			col("method", "VARCHAR(256)", "VARCHAR(256)"),
			col("page", "VARCHAR(256)", "VARCHAR(256)"),
			col("registration", "NUMERIC(18,0)", "REAL"),
			col("sessionid", "INT4", "INTEGER"),
			col("song", "VARCHAR(256)", "VARCHAR(256)"),
			col("status", "INT4", "INTEGER"),
			col("ts", "INT8", "BIGINT"),
			col("useragent", "VARCHAR(256)", "VARCHAR(256)"),
			col("userid", "INT4", "INTEGER"),
		},
	},
	{
		name: StagingSongsTable,
		columns: []column{
			col("num_songs", "INT4", "INTEGER"),
			col("artist_id", "VARCHAR(256)", "VARCHAR(256)"),
			col("artist_name", "VARCHAR(256)", "VARCHAR(256)"),
			col("artist_latitude", "NUMERIC(18,0)", "REAL"),
			col("artist_longitude", "NUMERIC(18,0)", "REAL"),
			col("artist_location", "VARCHAR(256)", "VARCHAR(256)"),
			col("song_id", "VARCHAR(256)", "VARCHAR(256)"),
			col("title", "VARCHAR(256)", "VARCHAR(256)"),
			col("duration", "NUMERIC(18,0)", "REAL"),
			col("year", "INT4", "INTEGER"),
		},
	},
	{
		name: SongplaysTable,
		columns: []column{
			col("playid", "VARCHAR(32) NOT NULL", "VARCHAR(32) NOT NULL"),
			col("start_time", "TIMESTAMP NOT NULL", "TIMESTAMP NOT NULL"),
			col("userid", "INT4 NOT NULL", "INTEGER NOT NULL"),
			col("level", "VARCHAR(256)", "VARCHAR(256)"),
			col("songid", "VARCHAR(256)", "VARCHAR(256)"),
			col("artistid", "VARCHAR(256)", "VARCHAR(256)"),
			col("sessionid", "INT4", "INTEGER"),
			col("location", "VARCHAR(256)", "VARCHAR(256)"),
			col("user_agent", "VARCHAR(256)", "VARCHAR(256)"),
		},
		primaryKey: "playid",
	},
	{
		name: UsersTable,
		columns: []column{
			col("userid", "INT4 NOT NULL", "INTEGER NOT NULL"),
			col("first_name", "VARCHAR(256)", "VARCHAR(256)"),
			col("last_name", "VARCHAR(256)", "VARCHAR(256)"),
			col("gender", "VARCHAR(256)", "VARCHAR(256)"),
			col("level", "VARCHAR(256)", "VARCHAR(256)"),
		},
		primaryKey: "userid",
	},
	{
		name: SongsTable,
		columns: []column{
			col("songid", "VARCHAR(256) NOT NULL", "VARCHAR(256) NOT NULL"),
			col("title", "VARCHAR(256)", "VARCHAR(256)"),
			col("artistid", "VARCHAR(256)", "VARCHAR(256)"),
			col("year", "INT4", "INTEGER"),
			col("duration", "NUMERIC(18,0)", "REAL"),
		},
		primaryKey: "songid",
	},
	{
		name: ArtistsTable,
		columns: []column{
			col("artistid", "VARCHAR(256) NOT NULL", "VARCHAR(256) NOT NULL"),
			col("name", "VARCHAR(256)", "VARCHAR(256)"),
			col("location", "VARCHAR(256)", "VARCHAR(256)"),
			col("lattitude", "NUMERIC(18,0)", "REAL"),
			col("longitude", "NUMERIC(18,0)", "REAL"),
		},
	},
	{
		name: TimeTable,
		columns: []column{
			col("start_time", "TIMESTAMP NOT NULL", "TIMESTAMP NOT NULL"),
			col("hour", "INT4", "INTEGER"),
			col("day", "INT4", "INTEGER"),
			col("week", "INT4", "INTEGER"),
			col("month", "VARCHAR(256)", "VARCHAR(256)"),
			col("year", "INT4", "INTEGER"),
			col("weekday", "VARCHAR(256)", "VARCHAR(256)"),
		},
		primaryKey: "start_time",
	},
}

// TableNames lists the tables CreateTableStatements creates, in order.
func TableNames() []string {
	names := make([]string, len(schema))
	for i, t := range schema {
		names[i] = t.name
	}
	return names
}

// CreateTableStatements returns idempotent CREATE TABLE statements for the
// staging tables, the fact table and the four dimensions.
func CreateTableStatements(d Dialect) []string {
	stmts := make([]string, 0, len(schema))
	for _, t := range schema {
		stmts = append(stmts, t.create(d))
	}
	return stmts
}

func (t tableDef) create(d Dialect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.qualified(d))

	lines := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		typ := c.redshift
		if d == SQLite {
			typ = c.sqlite
		}
		lines = append(lines, fmt.Sprintf("    %s %s", quoteIdent(c.name, d), typ))
	}
	// SQLite enforces primary keys and the loads insert DISTINCT rows, not
	// distinct keys, so keys are declared for Redshift only.
	if t.primaryKey != "" && d == Redshift {
		lines = append(lines, fmt.Sprintf("    PRIMARY KEY (%s)", t.primaryKey))
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func (t tableDef) qualified(d Dialect) string {
	if d == SQLite {
		return strings.TrimPrefix(t.name, "public.")
	}
	schemaName, table, _ := strings.Cut(t.name, ".")
	return schemaName + "." + quoteIdent(table, d)
}

var redshiftKeywords = map[string]bool{
	"level": true, "method": true, "time": true,
	"hour": true, "day": true, "month": true, "year": true,
}

func quoteIdent(name string, d Dialect) string {
	if d == Redshift && redshiftKeywords[name] {
		return `"` + name + `"`
	}
	return name
}
