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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CopyFormat is the record encoding named by a COPY statement.
type CopyFormat string

const (
	CopyJSON    CopyFormat = "json"
	CopyCSV     CopyFormat = "csv"
	CopyParquet CopyFormat = "parquet"
)

// CopySpec is the parsed form of a Redshift COPY statement.
type CopySpec struct {
	Table           string
	Source          string // s3:// prefix
	IAMRole         string
	Credentials     string
	Format          CopyFormat
	JSONMapping     string // "auto", "auto ignorecase" or s3:// uri of a jsonpaths file
	Delimiter       string
	IgnoreHeader    int
	TruncateColumns bool
	BlanksAsNull    bool
	EmptyAsNull     bool
	EpochMillis     bool
	CompUpdate      bool
	StatUpdate      bool
	Region          string
}

const literal = `'((?:[^']|'')*)'`

var (
	copyHeadPattern     = regexp.MustCompile(`(?is)^\s*COPY\s+(\S+)\s+FROM\s+` + literal)
	iamRolePattern      = regexp.MustCompile(`(?i)\bIAM_ROLE\s+` + literal)
	credentialsPattern  = regexp.MustCompile(`(?i)\bCREDENTIALS\s+` + literal)
	parquetPattern      = regexp.MustCompile(`(?i)\bFORMAT\s+AS\s+PARQUET\b`)
	csvPattern          = regexp.MustCompile(`(?i)\bCSV\b`)
	delimiterPattern    = regexp.MustCompile(`(?i)\bDELIMITER\s+` + literal)
	ignoreHeaderPattern = regexp.MustCompile(`(?i)\bIGNOREHEADER\s+(\d+)`)
	jsonPattern         = regexp.MustCompile(`(?i)\bJSON\s+` + literal)
	timeFormatPattern   = regexp.MustCompile(`(?i)\bTIMEFORMAT\s+AS\s+` + literal)
	compUpdatePattern   = regexp.MustCompile(`(?i)\bCOMPUPDATE\s+(ON|OFF|TRUE|FALSE)\b`)
	statUpdatePattern   = regexp.MustCompile(`(?i)\bSTATUPDATE\s+(ON|OFF|TRUE|FALSE)\b`)
	regionPattern       = regexp.MustCompile(`(?i)\bREGION\s+` + literal)
	truncColsPattern    = regexp.MustCompile(`(?i)\bTRUNCATECOLUMNS\b`)
	blanksPattern       = regexp.MustCompile(`(?i)\bBLANKSASNULL\b`)
	emptyPattern        = regexp.MustCompile(`(?i)\bEMPTYASNULL\b`)
	literalPattern      = regexp.MustCompile(literal)
)

// IsCopy reports whether statement is a COPY.
func IsCopy(statement string) bool {
	return copyHeadPattern.MatchString(statement)
}

// ParseCopy extracts the options of a COPY statement. Only the subset of the
// grammar that stage tasks render is understood.
func ParseCopy(statement string) (*CopySpec, error) {
	head := copyHeadPattern.FindStringSubmatch(statement)
	if head == nil {
		return nil, fmt.Errorf("not a COPY statement")
	}

	// option matching must not see inside the quoted source or credentials
	rest := statement[len(head[0]):]

	spec := &CopySpec{
		Table:      head[1],
		Source:     unquote(head[2]),
		CompUpdate: true,
		StatUpdate: true,
	}

	if m := iamRolePattern.FindStringSubmatch(rest); m != nil {
		spec.IAMRole = unquote(m[1])
	}
	if m := credentialsPattern.FindStringSubmatch(rest); m != nil {
		spec.Credentials = unquote(m[1])
	}
	options := stripLiterals(rest)

	switch {
	case parquetPattern.MatchString(options):
		spec.Format = CopyParquet
	case csvPattern.MatchString(options):
		spec.Format = CopyCSV
		spec.Delimiter = ","
		if m := delimiterPattern.FindStringSubmatch(rest); m != nil {
			spec.Delimiter = unquote(m[1])
		}
		if m := ignoreHeaderPattern.FindStringSubmatch(options); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("IGNOREHEADER %q: %w", m[1], err)
			}
			spec.IgnoreHeader = n
		}
	default:
		m := jsonPattern.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("COPY %s: no supported format (JSON, CSV or PARQUET)", spec.Table)
		}
		spec.Format = CopyJSON
		spec.JSONMapping = unquote(m[1])
	}

	spec.TruncateColumns = truncColsPattern.MatchString(options)
	spec.BlanksAsNull = blanksPattern.MatchString(options)
	spec.EmptyAsNull = emptyPattern.MatchString(options)
	if m := timeFormatPattern.FindStringSubmatch(rest); m != nil {
		spec.EpochMillis = strings.EqualFold(unquote(m[1]), "epochmillisecs")
	}
	if m := compUpdatePattern.FindStringSubmatch(options); m != nil {
		spec.CompUpdate = isOn(m[1])
	}
	if m := statUpdatePattern.FindStringSubmatch(options); m != nil {
		spec.StatUpdate = isOn(m[1])
	}
	if m := regionPattern.FindStringSubmatch(rest); m != nil {
		spec.Region = unquote(m[1])
	}
	return spec, nil
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

// stripLiterals blanks quoted strings so keyword matches ignore their contents.
func stripLiterals(s string) string {
	return literalPattern.ReplaceAllString(s, "''")
}

func isOn(v string) bool {
	v = strings.ToUpper(v)
	return v == "ON" || v == "TRUE"
}
