// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := []byte(`{"title":"Quartet"}`)
	key, err := store.Put(ctx, content, RoleScore)
	require.NoError(t, err)
	assert.True(t, key.Valid())

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	role, err := store.RoleOf(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, RoleScore, role)
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := []byte("render bytes")
	key1, err := store.Put(ctx, content, RoleRender)
	require.NoError(t, err)
	key2, err := store.Put(ctx, content, RoleRender)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing := Key("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	_, err := store.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, []byte("x"), Role("bogus"))
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = store.Put(ctx, nil, RoleScore)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestGetRejectsMalformedKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Key("not-a-hash"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDistinctContentDistinctKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	k1, err := store.Put(ctx, []byte("a"), RoleMIDI)
	require.NoError(t, err)
	k2, err := store.Put(ctx, []byte("b"), RoleMIDI)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}
