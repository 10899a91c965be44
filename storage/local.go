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
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemStore is an in-memory ObjectStore.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]map[string][]byte)}
}

// Put stores data under bucket/key, replacing any previous object.
func (m *MemStore) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[bucket] == nil {
		m.objects[bucket] = make(map[string][]byte)
	}
	m.objects[bucket][key] = append([]byte(nil), data...)
}

// List implements ObjectStore.
func (m *MemStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "list_objects", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []Object
	for key, data := range m.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{Key: key, Size: int64(len(data))})
		}
	}
	sortObjects(objects)
	return objects, nil
}

// Open implements ObjectStore.
func (m *MemStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "get_object", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[bucket][key]
	if !ok {
		return nil, &StorageError{Op: "get_object", Err: fmt.Errorf("s3://%s/%s: %w", bucket, key, fs.ErrNotExist)}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DirStore serves objects from a local directory; each bucket is a
// subdirectory of root. It lets the local warehouse load a copy of the
// source data without network access.
type DirStore struct {
	root string
}

// NewDirStore returns a store rooted at dir.
func NewDirStore(dir string) (*DirStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &StorageError{Op: "open_root", Err: err}
	}
	if !info.IsDir() {
		return nil, &StorageError{Op: "open_root", Err: fmt.Errorf("%s is not a directory", dir)}
	}
	return &DirStore{root: dir}, nil
}

// List implements ObjectStore.
func (d *DirStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	base := filepath.Join(d.root, bucket)
	var objects []Object
	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &StorageError{Op: "list_objects", Err: err}
	}
	sortObjects(objects)
	return objects, nil
}

// Open implements ObjectStore.
func (d *DirStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "get_object", Err: err}
	}
	clean := filepath.Clean("/" + key)
	f, err := os.Open(filepath.Join(d.root, bucket, filepath.FromSlash(clean)))
	if err != nil {
		return nil, &StorageError{Op: "get_object", Err: err}
	}
	return f, nil
}
