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

// queries.go - Transformation queries feeding the star schema
package pipeline

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour of the transformation queries and DDL.
type Dialect string

const (
	Redshift Dialect = "redshift"
	// SQLite is the dialect of the local warehouse.
	SQLite Dialect = "sqlite"
)

// DialectFor maps a warehouse driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "redshift", "postgres":
		return Redshift, nil
	case "local", "sqlite":
		return SQLite, nil
	default:
		return "", fmt.Errorf("no SQL dialect for warehouse driver %q", driver)
	}
}

// Queries holds the SELECT statements whose rows are inserted into the fact
// and dimension tables.
type Queries struct {
	SongplayTableInsert string
	UserTableInsert     string
	SongTableInsert     string
	ArtistTableInsert   string
	TimeTableInsert     string
}

// SQLQueries returns the transformation queries for d.
func SQLQueries(d Dialect) Queries {
	if d == SQLite {
		return sqliteQueries
	}
	return redshiftQueries
}

var redshiftQueries = Queries{
	SongplayTableInsert: `SELECT
    md5(events.sessionid || events.start_time) AS playid,
    events.start_time,
    events.userid,
    events.level,
    songs.song_id,
    songs.artist_id,
    events.sessionid,
    events.location,
    events.useragent
FROM (
    SELECT TIMESTAMP 'epoch' + ts / 1000 * INTERVAL '1 second' AS start_time, *
    FROM staging_events
    WHERE page = 'NextSong'
) events
LEFT JOIN staging_songs songs
    ON events.song = songs.title
    AND events.artist = songs.artist_name
    AND events.length = songs.duration`,

	UserTableInsert: `SELECT DISTINCT userid, firstname, lastname, gender, level
FROM staging_events
WHERE page = 'NextSong' AND userid IS NOT NULL`,

	SongTableInsert: `SELECT DISTINCT song_id, title, artist_id, year, duration
FROM staging_songs`,

	ArtistTableInsert: `SELECT DISTINCT artist_id, artist_name, artist_location, artist_latitude, artist_longitude
FROM staging_songs`,

	TimeTableInsert: `SELECT DISTINCT
    start_time,
    EXTRACT(hour FROM start_time),
    EXTRACT(day FROM start_time),
    EXTRACT(week FROM start_time),
    EXTRACT(month FROM start_time),
    EXTRACT(year FROM start_time),
    EXTRACT(dayofweek FROM start_time)
FROM songplays`,
}

// SQLite has neither md5 nor interval arithmetic; start_time is kept as
// "YYYY-MM-DD HH:MM:SS" text in UTC.
var sqliteQueries = Queries{
	SongplayTableInsert: `SELECT
    printf('%d-%d', events.sessionid, events.ts) AS playid,
    events.start_time,
    events.userid,
    events.level,
    songs.song_id,
    songs.artist_id,
    events.sessionid,
    events.location,
    events.useragent
FROM (
    SELECT datetime(ts / 1000, 'unixepoch') AS start_time, *
    FROM staging_events
    WHERE page = 'NextSong'
) events
LEFT JOIN staging_songs songs
    ON events.song = songs.title
    AND events.artist = songs.artist_name
    AND events.length = songs.duration`,

	UserTableInsert: redshiftQueries.UserTableInsert,

	SongTableInsert: redshiftQueries.SongTableInsert,

	ArtistTableInsert: redshiftQueries.ArtistTableInsert,

	TimeTableInsert: `SELECT DISTINCT
    start_time,
    CAST(strftime('%H', start_time) AS INTEGER),
    CAST(strftime('%d', start_time) AS INTEGER),
    CAST(strftime('%W', start_time) AS INTEGER),
    CAST(strftime('%m', start_time) AS INTEGER),
    CAST(strftime('%Y', start_time) AS INTEGER),
    CAST(strftime('%w', start_time) AS INTEGER)
FROM songplays`,
}
