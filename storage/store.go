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

// Package storage lists and reads source objects in bulk storage and decodes
// the record formats a COPY can load.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// StorageError provides structured error information for storage operations
type StorageError struct {
	Op  string // Operation that failed (e.g., "list_objects", "get_object", "decode")
	Err error  // Underlying error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Object describes one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectStore lists and opens objects. Keys are returned in lexical order.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", &StorageError{Op: "parse_uri", Err: fmt.Errorf("not an s3 uri: %q", uri)}
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", &StorageError{Op: "parse_uri", Err: fmt.Errorf("missing bucket in %q", uri)}
	}
	return bucket, key, nil
}

// ReadAll opens an object and returns its contents.
func ReadAll(ctx context.Context, store ObjectStore, bucket, key string) ([]byte, error) {
	rc, err := store.Open(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: fmt.Errorf("%s/%s: %w", bucket, key, err)}
	}
	return data, nil
}

func sortObjects(objects []Object) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
}
