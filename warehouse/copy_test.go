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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/dag/tasks"
)

func stageCopy(t *testing.T, format tasks.RecordFormat, credentials string) string {
	t.Helper()
	p := tasks.StageParams{
		Table:       "public.staging_events",
		Source:      tasks.Source{Bucket: "udacity-dend", Prefix: "log_data"},
		Format:      format,
		Region:      "us-west-2",
		Credentials: credentials,
	}
	require.NoError(t, p.Validate())
	return p.Statements()[1].SQL
}

func TestParseCopy_RenderedStatements(t *testing.T) {
	role := "arn:aws:iam::123456789012:role/dwhRole"

	spec, err := ParseCopy(stageCopy(t, tasks.JSONFormat("s3://udacity-dend/log_json_path.json"), role))
	require.NoError(t, err)
	assert.Equal(t, &CopySpec{
		Table:           "public.staging_events",
		Source:          "s3://udacity-dend/log_data",
		IAMRole:         role,
		Format:          CopyJSON,
		JSONMapping:     "s3://udacity-dend/log_json_path.json",
		TruncateColumns: true,
		BlanksAsNull:    true,
		EmptyAsNull:     true,
		EpochMillis:     true,
		Region:          "us-west-2",
	}, spec)

	spec, err = ParseCopy(stageCopy(t, tasks.CSVFormat("|", 2), "aws_access_key_id=AK;aws_secret_access_key=it's"))
	require.NoError(t, err)
	assert.Equal(t, CopyCSV, spec.Format)
	assert.Equal(t, "|", spec.Delimiter)
	assert.Equal(t, 2, spec.IgnoreHeader)
	assert.Equal(t, "aws_access_key_id=AK;aws_secret_access_key=it's", spec.Credentials)
	assert.Empty(t, spec.IAMRole)

	spec, err = ParseCopy(stageCopy(t, tasks.ParquetFormat(), role))
	require.NoError(t, err)
	assert.Equal(t, CopyParquet, spec.Format)
	assert.False(t, spec.TruncateColumns)
	assert.False(t, spec.EpochMillis)
	assert.False(t, spec.CompUpdate)
	assert.False(t, spec.StatUpdate)
}

func TestParseCopy_Errors(t *testing.T) {
	_, err := ParseCopy("INSERT INTO t SELECT 1")
	assert.Error(t, err)

	_, err = ParseCopy("COPY t FROM 's3://b/p' IAM_ROLE 'arn' DELIMITER '|'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported format")

	// keywords inside literals do not select a format
	_, err = ParseCopy("COPY t FROM 's3://b/CSV' CREDENTIALS 'FORMAT AS PARQUET'")
	assert.Error(t, err)
}

func TestParseCopy_Defaults(t *testing.T) {
	spec, err := ParseCopy("copy events from 's3://b/p' iam_role 'arn:aws:iam::1:role/r' json 'auto'")
	require.NoError(t, err)
	assert.Equal(t, "events", spec.Table)
	assert.Equal(t, "auto", spec.JSONMapping)
	assert.True(t, spec.CompUpdate)
	assert.True(t, spec.StatUpdate)
	assert.False(t, spec.BlanksAsNull)
	assert.True(t, IsCopy("  COPY x FROM 's3://b'"))
	assert.False(t, IsCopy("SELECT 'COPY x FROM'"))
}
