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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aaronlmathis/starload/core"
)

// Pool hands out sessions for a single warehouse.
type Pool interface {
	Acquire(ctx context.Context) (core.Session, error)
	Close() error
}

// Registry maps connection ids to pools. It implements core.ConnectionRegistry.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]Pool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]Pool)}
}

// Register adds pool under connID.
func (r *Registry) Register(connID string, pool Pool) error {
	if connID == "" {
		return fmt.Errorf("%w: connection id is required", core.ErrConfiguration)
	}
	if pool == nil {
		return fmt.Errorf("%w: nil pool for connection %q", core.ErrConfiguration, connID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[connID]; exists {
		return fmt.Errorf("%w: connection %q already registered", core.ErrConfiguration, connID)
	}
	r.pools[connID] = pool
	return nil
}

// Acquire implements core.ConnectionRegistry.
func (r *Registry) Acquire(ctx context.Context, connID string) (core.Session, error) {
	r.mu.RLock()
	pool, ok := r.pools[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown connection id %q", core.ErrConfiguration, connID)
	}
	return pool.Acquire(ctx)
}

// IDs returns the registered connection ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.pools)
}

// Close closes every pool and forgets them.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, id := range sortedKeys(r.pools) {
		if err := r.pools[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.pools = make(map[string]Pool)
	return errors.Join(errs...)
}

func sortedKeys(m map[string]Pool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
