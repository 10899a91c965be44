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

package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/warehouse/warehousetest"
)

const usersQuery = `SELECT DISTINCT userid, firstname, lastname, gender, level
	FROM public.staging_events
	WHERE page = 'NextSong' AND userid IS NOT NULL;`

func usersWarehouse() *warehousetest.Memory {
	wh := warehousetest.NewMemory()
	wh.DefineRows(usersQuery,
		warehousetest.Row{"userid": 1, "level": "free"},
		warehousetest.Row{"userid": 2, "level": "paid"},
		warehousetest.Row{"userid": 3, "level": "free"},
	)
	return wh
}

func TestLoadParams_Defaults(t *testing.T) {
	fact := FactLoad("public.songplays", "SELECT 1")
	dim := DimensionLoad("public.users", "SELECT 1")

	assert.Equal(t, KindLoadFact, fact.Kind())
	assert.Equal(t, KindLoadDimension, dim.Kind())
	assert.True(t, fact.TruncateBeforeLoad)
	assert.True(t, dim.TruncateBeforeLoad)
	assert.False(t, fact.Append().TruncateBeforeLoad)
	assert.Equal(t, KindLoadFact, fact.Append().Kind())
}

func TestLoadParams_Statements(t *testing.T) {
	stmts := DimensionLoad("public.users", usersQuery).Statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "TRUNCATE TABLE public.users", stmts[0].SQL)
	assert.Equal(t, "INSERT INTO public.users\nSELECT DISTINCT userid, firstname, lastname, gender, level\n"+
		"\tFROM public.staging_events\n"+
		"\tWHERE page = 'NextSong' AND userid IS NOT NULL", stmts[1].SQL)

	appendOnly := DimensionLoad("public.users", usersQuery).Append().Statements()
	require.Len(t, appendOnly, 1)
	assert.Contains(t, appendOnly[0].SQL, "INSERT INTO public.users")
}

func TestLoadParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  LoadParams
		wantErr bool
	}{
		{"select", FactLoad("public.songplays", "SELECT 1"), false},
		{"lowercase with", DimensionLoad("public.time", "with t as (select 1) select * from t"), false},
		{"parenthesised", DimensionLoad("public.time", "(SELECT 1) UNION (SELECT 2)"), false},
		{"empty query", DimensionLoad("public.users", "  ;"), true},
		{"not a select", DimensionLoad("public.users", "DELETE FROM public.users"), true},
		{"empty table", DimensionLoad("", "SELECT 1"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadTask_TruncateIsIdempotent(t *testing.T) {
	wh := usersWarehouse()
	task := NewTask("Load_user_dim_table", DimensionLoad("public.users", usersQuery), nil)

	_, err := task.Execute(context.Background(), wh)
	require.NoError(t, err)
	first := wh.Rows("public.users")

	_, err = task.Execute(context.Background(), wh)
	require.NoError(t, err)

	assert.Equal(t, first, wh.Rows("public.users"))
	assert.Equal(t, 3, wh.Count("public.users"))
}

func TestLoadTask_AppendDuplicates(t *testing.T) {
	wh := usersWarehouse()
	task := NewTask("Load_user_dim_table", DimensionLoad("public.users", usersQuery).Append(), nil)

	for i := 0; i < 2; i++ {
		_, err := task.Execute(context.Background(), wh)
		require.NoError(t, err)
	}

	assert.Equal(t, 6, wh.Count("public.users"))
}

func TestLoadTask_QueryFailure(t *testing.T) {
	wh := usersWarehouse()
	wh.FailOn("INSERT INTO public.users", errors.New(`column "gender" does not exist`))

	task := NewTask("Load_user_dim_table", DimensionLoad("public.users", usersQuery), nil)
	_, err := task.Execute(context.Background(), wh)
	require.Error(t, err)

	assert.True(t, errors.Is(err, core.ErrStatementFailure))
	assert.Contains(t, err.Error(), "Load_user_dim_table")
	assert.Contains(t, err.Error(), "public.users")
	assert.Contains(t, err.Error(), `column "gender" does not exist`)
}

func TestLoadTask_ConnectionFailure(t *testing.T) {
	wh := usersWarehouse()
	wh.FailOn("TRUNCATE", &core.WarehouseError{Kind: core.ErrConnectionFailure, Err: errors.New("broken pipe")})

	task := NewTask("Load_user_dim_table", DimensionLoad("public.users", usersQuery), nil)
	_, err := task.Execute(context.Background(), wh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnectionFailure))

	// nothing after the failed truncate was sent
	assert.Len(t, wh.Statements(), 1)
}
