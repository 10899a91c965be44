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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Record is one decoded JSON object.
type Record map[string]any

// DecodeJSON reads a stream of JSON objects. Objects may be separated by
// newlines or simply concatenated. Numbers become int64 when integral and
// float64 otherwise.
func DecodeJSON(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var records []Record
	for {
		var raw map[string]any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, &StorageError{Op: "decode_json", Err: fmt.Errorf("record %d: %w", len(records)+1, err)}
		}
		records = append(records, Record(normalizeJSON(raw).(map[string]any)))
	}
}

func normalizeJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeJSON(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeJSON(item)
		}
		return val
	default:
		return v
	}
}

// pathStep is either an object key or an array index.
type pathStep struct {
	key   string
	index int
	isIdx bool
}

// JSONPath addresses one value inside a record, e.g. $['artist'] or $.song.title[0].
type JSONPath struct {
	expr  string
	steps []pathStep
}

func (p JSONPath) String() string { return p.expr }

// Eval returns the addressed value, or false when any step is missing.
func (p JSONPath) Eval(rec Record) (any, bool) {
	var cur any = map[string]any(rec)
	for _, step := range p.steps {
		switch node := cur.(type) {
		case map[string]any:
			if step.isIdx {
				return nil, false
			}
			next, ok := node[step.key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			if !step.isIdx || step.index < 0 || step.index >= len(node) {
				return nil, false
			}
			cur = node[step.index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ParseJSONPath compiles a single path expression.
func ParseJSONPath(expr string) (JSONPath, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(expr), "$")
	if !ok {
		return JSONPath{}, fmt.Errorf("jsonpath %q must start with $", expr)
	}

	path := JSONPath{expr: expr}
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			if end == 0 {
				return JSONPath{}, fmt.Errorf("jsonpath %q: empty member name", expr)
			}
			path.steps = append(path.steps, pathStep{key: rest[:end]})
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return JSONPath{}, fmt.Errorf("jsonpath %q: unterminated bracket", expr)
			}
			inner := strings.TrimSpace(rest[1:end])
			rest = rest[end+1:]
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				path.steps = append(path.steps, pathStep{key: inner[1 : len(inner)-1]})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil {
				return JSONPath{}, fmt.Errorf("jsonpath %q: bad index %q", expr, inner)
			}
			path.steps = append(path.steps, pathStep{index: idx, isIdx: true})
		default:
			return JSONPath{}, fmt.Errorf("jsonpath %q: unexpected %q", expr, rest[0])
		}
	}
	if len(path.steps) == 0 {
		return JSONPath{}, fmt.Errorf("jsonpath %q selects the whole record", expr)
	}
	return path, nil
}

// JSONPaths is a parsed jsonpaths file. Path i feeds column i of the target table.
type JSONPaths []JSONPath

// ParseJSONPaths parses a document of the form {"jsonpaths": ["$.a", "$['b']"]}.
func ParseJSONPaths(data []byte) (JSONPaths, error) {
	var doc struct {
		Paths []string `json:"jsonpaths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &StorageError{Op: "parse_jsonpaths", Err: err}
	}
	if len(doc.Paths) == 0 {
		return nil, &StorageError{Op: "parse_jsonpaths", Err: errors.New("no jsonpaths entries")}
	}

	paths := make(JSONPaths, 0, len(doc.Paths))
	for _, expr := range doc.Paths {
		p, err := ParseJSONPath(expr)
		if err != nil {
			return nil, &StorageError{Op: "parse_jsonpaths", Err: err}
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Extract evaluates every path against rec. Missing values are nil.
func (ps JSONPaths) Extract(rec Record) []any {
	row := make([]any, len(ps))
	for i, p := range ps {
		if v, ok := p.Eval(rec); ok {
			row[i] = v
		}
	}
	return row
}
