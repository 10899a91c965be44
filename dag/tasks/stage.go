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

// stage.go - Bulk copy of object storage data into a staging table
package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aaronlmathis/starload/core"
)

// FormatKind is the encoding of the source objects.
type FormatKind string

const (
	FormatJSON    FormatKind = "json"
	FormatCSV     FormatKind = "csv"
	FormatParquet FormatKind = "parquet"
)

// AutoMapping lets the warehouse map JSON keys to columns by name. Keys
// must match the lower-case column names exactly.
const AutoMapping = "auto"

// AutoIgnoreCaseMapping is AutoMapping ignoring the case of JSON keys.
const AutoIgnoreCaseMapping = "auto ignorecase"

// RecordFormat describes how source records are decoded.
type RecordFormat struct {
	Kind FormatKind `json:"kind"`
	// Mapping is "auto", "auto ignorecase" or the s3:// URI of a jsonpaths
	// file. JSON only.
	Mapping      string `json:"mapping,omitempty"`
	Delimiter    string `json:"delimiter,omitempty"`
	IgnoreHeader int    `json:"ignore_header,omitempty"`
}

// JSONFormat returns a JSON format. An empty mapping means AutoMapping.
func JSONFormat(mapping string) RecordFormat {
	if mapping == "" {
		mapping = AutoMapping
	}
	return RecordFormat{Kind: FormatJSON, Mapping: mapping}
}

// CSVFormat returns a delimited text format.
func CSVFormat(delimiter string, ignoreHeader int) RecordFormat {
	if delimiter == "" {
		delimiter = ","
	}
	return RecordFormat{Kind: FormatCSV, Delimiter: delimiter, IgnoreHeader: ignoreHeader}
}

// ParquetFormat returns a columnar format.
func ParquetFormat() RecordFormat {
	return RecordFormat{Kind: FormatParquet}
}

// Source locates a batch of objects in bulk storage.
type Source struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// URI returns the s3:// location of the source.
func (s Source) URI() string {
	return "s3://" + s.Bucket + "/" + strings.TrimPrefix(s.Prefix, "/")
}

// StageParams configure a stage task: clear the staging table, then bulk copy
// every object under Source into it.
type StageParams struct {
	Table  string       `json:"table"`
	Source Source       `json:"source"`
	Format RecordFormat `json:"format"`
	Region string       `json:"region,omitempty"`
	// Credentials is an IAM role ARN or a raw credentials string.
	Credentials string `json:"credentials"`
}

func (p StageParams) Kind() TaskKind      { return KindStage }
func (p StageParams) TargetTable() string { return p.Table }

// Validate checks that the copy can be rendered.
func (p StageParams) Validate() error {
	if !core.ValidTableName(p.Table) {
		return fmt.Errorf("invalid staging table name %q", p.Table)
	}
	if strings.TrimSpace(p.Source.Bucket) == "" {
		return errors.New("source bucket is required")
	}
	if strings.TrimSpace(p.Credentials) == "" {
		return errors.New("credential reference is required")
	}

	switch p.Format.Kind {
	case FormatJSON:
		if m := p.Format.Mapping; m != "" && m != AutoMapping && m != AutoIgnoreCaseMapping && !strings.HasPrefix(m, "s3://") {
			return fmt.Errorf("json mapping must be %q, %q or an s3:// uri, got %q", AutoMapping, AutoIgnoreCaseMapping, m)
		}
	case FormatCSV:
		if len([]rune(p.Format.Delimiter)) > 1 {
			return fmt.Errorf("csv delimiter must be a single character, got %q", p.Format.Delimiter)
		}
		if p.Format.IgnoreHeader < 0 {
			return errors.New("ignore_header cannot be negative")
		}
	case FormatParquet:
	default:
		return fmt.Errorf("unsupported record format %q", p.Format.Kind)
	}
	return nil
}

// Statements renders TRUNCATE followed by COPY.
func (p StageParams) Statements() []core.Statement {
	return []core.Statement{
		{Label: "clearing data from staging table", SQL: "TRUNCATE TABLE " + p.Table},
		{Label: "copying data from storage to staging table", SQL: p.copyStatement()},
	}
}

func (p StageParams) copyStatement() string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s\nFROM %s\n", p.Table, core.QuoteLiteral(p.Source.URI()))
	b.WriteString(credentialClause(p.Credentials))
	b.WriteString("\n")

	switch p.Format.Kind {
	case FormatParquet:
		b.WriteString("FORMAT AS PARQUET\n")
	case FormatCSV:
		delim := p.Format.Delimiter
		if delim == "" {
			delim = ","
		}
		fmt.Fprintf(&b, "CSV DELIMITER %s\n", core.QuoteLiteral(delim))
		if p.Format.IgnoreHeader > 0 {
			fmt.Fprintf(&b, "IGNOREHEADER %d\n", p.Format.IgnoreHeader)
		}
		b.WriteString(textOptions)
	default:
		mapping := p.Format.Mapping
		if mapping == "" {
			mapping = AutoMapping
		}
		b.WriteString(textOptions)
		fmt.Fprintf(&b, "JSON %s\n", core.QuoteLiteral(mapping))
	}

	b.WriteString("COMPUPDATE OFF STATUPDATE OFF")
	if p.Region != "" {
		fmt.Fprintf(&b, "\nREGION %s", core.QuoteLiteral(p.Region))
	}
	return b.String()
}

const textOptions = "TRUNCATECOLUMNS BLANKSASNULL EMPTYASNULL\nTIMEFORMAT AS 'epochmillisecs'\n"

// IsRoleARN reports whether ref names an IAM role rather than raw credentials.
func IsRoleARN(ref string) bool {
	return strings.HasPrefix(ref, "arn:aws:iam::") || strings.HasPrefix(ref, "arn:aws-")
}

func credentialClause(ref string) string {
	if IsRoleARN(ref) {
		return "IAM_ROLE " + core.QuoteLiteral(ref)
	}
	return "CREDENTIALS " + core.QuoteLiteral(ref)
}

// Redacted masks raw credentials. Role ARNs are not secret and are kept.
func (p StageParams) Redacted() Params {
	if p.Credentials != "" && !IsRoleARN(p.Credentials) {
		p.Credentials = "<redacted>"
	}
	return p
}
