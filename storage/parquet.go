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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"
)

// ParquetRows is the decoded content of one parquet object.
type ParquetRows struct {
	Columns []string
	Rows    [][]any
}

// DecodeParquet reads every row group of a parquet object. Values are
// returned as Go primitives in schema column order.
func DecodeParquet(ctx context.Context, data []byte) (*ParquetRows, error) {
	parquetReader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, &StorageError{Op: "decode_parquet", Err: err}
	}
	defer parquetReader.Close()

	arrowReader, err := pqarrow.NewFileReader(parquetReader, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.NewGoAllocator())
	if err != nil {
		return nil, &StorageError{Op: "decode_parquet", Err: err}
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		return nil, &StorageError{Op: "decode_parquet", Err: err}
	}

	out := &ParquetRows{Columns: make([]string, 0, len(schema.Fields()))}
	for _, field := range schema.Fields() {
		out.Columns = append(out.Columns, field.Name)
	}

	recordReader, err := arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, &StorageError{Op: "decode_parquet", Err: err}
	}
	defer recordReader.Release()

	for {
		rec, err := recordReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &StorageError{Op: "decode_parquet", Err: err}
		}
		if rec == nil || rec.NumRows() == 0 {
			break
		}

		for row := 0; row < int(rec.NumRows()); row++ {
			values := make([]any, rec.NumCols())
			for col := 0; col < int(rec.NumCols()); col++ {
				values[col] = columnValue(rec.Column(col), row)
			}
			out.Rows = append(out.Rows, values)
		}
	}

	return out, nil
}

func columnValue(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}

	switch arr := col.(type) {
	case *array.Boolean:
		return arr.Value(row)
	case *array.Int8:
		return int64(arr.Value(row))
	case *array.Int16:
		return int64(arr.Value(row))
	case *array.Int32:
		return int64(arr.Value(row))
	case *array.Int64:
		return arr.Value(row)
	case *array.Uint8:
		return int64(arr.Value(row))
	case *array.Uint16:
		return int64(arr.Value(row))
	case *array.Uint32:
		return int64(arr.Value(row))
	case *array.Uint64:
		return arr.Value(row)
	case *array.Float32:
		return float64(arr.Value(row))
	case *array.Float64:
		return arr.Value(row)
	case *array.String:
		return arr.Value(row)
	case *array.Binary:
		return arr.Value(row)
	case *array.Timestamp:
		unit := arrow.Microsecond
		if ts, ok := arr.DataType().(*arrow.TimestampType); ok {
			unit = ts.Unit
		}
		return arr.Value(row).ToTime(unit).UTC()
	case *array.Date32:
		return arr.Value(row).ToTime()
	case *array.Date64:
		return arr.Value(row).ToTime()
	default:
		return fmt.Sprintf("%v", col.GetOneForMarshal(row))
	}
}
