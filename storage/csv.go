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

package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// CSVOptions configures DecodeCSV.
type CSVOptions struct {
	Comma        rune
	IgnoreHeader int // leading lines to skip
}

// DecodeCSV reads delimited rows positionally. Rows may differ in width;
// the loader decides what to do with short or long rows.
func DecodeCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([][]any, error) {
	reader := csv.NewReader(r)
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]any
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, &StorageError{Op: "decode_csv", Err: err}
		}

		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, &StorageError{Op: "decode_csv", Err: err}
		}

		line++
		if line <= opts.IgnoreHeader {
			continue
		}

		row := make([]any, len(fields))
		for i, field := range fields {
			row[i] = field
		}
		rows = append(rows, row)
	}
}

// ParseDelimiter converts a COPY delimiter literal into a rune.
func ParseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return ',', nil
	case `\t`:
		return '\t', nil
	}
	runes := []rune(s)
	if len(runes) != 1 {
		return 0, fmt.Errorf("delimiter %q must be a single character", s)
	}
	return runes[0], nil
}
