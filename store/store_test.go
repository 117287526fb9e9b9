// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/util"
)

func newTestStore(t *testing.T, tables ...string) *Store {
	t.Helper()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	s, err := Open(context.Background(), path, tables)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t, "objects")
	ctx := context.Background()

	_, err := s.Get(ctx, "objects", KindData, []byte("k1"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, s.Set(ctx, "objects", KindData, []byte("k1"), []byte("v1")))
	v, err := s.Get(ctx, "objects", KindData, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, "objects", KindData, []byte("k1")))
	_, err = s.Get(ctx, "objects", KindData, []byte("k1"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestKindsAreIndependentNamespaces(t *testing.T) {
	s := newTestStore(t, "objects")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "objects", KindData, []byte("x"), []byte("data-value")))
	require.NoError(t, s.Set(ctx, "objects", KindMerkle, []byte("x"), []byte("merkle-value")))

	v, err := s.Get(ctx, "objects", KindData, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("data-value"), v)

	v, err = s.Get(ctx, "objects", KindMerkle, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("merkle-value"), v)
}

func TestScanWalksPrefix(t *testing.T) {
	s := newTestStore(t, "objects")
	ctx := context.Background()
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		require.NoError(t, s.Set(ctx, "objects", KindData, []byte(k), []byte("v")))
	}

	var got []string
	err := s.Scan(ctx, "objects", KindData, []byte("a/"), func(key, _ []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, got)
}

func TestUpdateIsAtomicAndSnapshotIsolated(t *testing.T) {
	s := newTestStore(t, "objects")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "objects", KindData, []byte("balance"), []byte("10")))

	err := s.Update(ctx, func(txn *Txn) error {
		v, err := txn.Get("objects", KindData, []byte("balance"))
		require.NoError(t, err)
		require.Equal(t, []byte("10"), v)
		txn.Set("objects", KindData, []byte("balance"), []byte("20"))
		txn.Set("objects", KindData, []byte("audit"), []byte("+10"))
		return nil
	})
	require.NoError(t, err)

	v, err := s.Get(ctx, "objects", KindData, []byte("balance"))
	require.NoError(t, err)
	require.Equal(t, []byte("20"), v)
	v, err = s.Get(ctx, "objects", KindData, []byte("audit"))
	require.NoError(t, err)
	require.Equal(t, []byte("+10"), v)
}

func TestUpdateAbortsOnError(t *testing.T) {
	s := newTestStore(t, "objects")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "objects", KindData, []byte("k"), []byte("v")))

	sentinel := errors.New(errors.KindInvalidArgument, "test", nil)
	err := s.Update(ctx, func(txn *Txn) error {
		txn.Set("objects", KindData, []byte("k"), []byte("changed"))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	v, err := s.Get(ctx, "objects", KindData, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v, "aborted transaction must not have committed its batch")
}

func TestWatchFiresOnSet(t *testing.T) {
	s := newTestStore(t, "objects")
	ctx := context.Background()
	ch, cancel := s.Watch("objects", KindData, []byte("k"))
	defer cancel()

	require.NoError(t, s.Set(ctx, "objects", KindData, []byte("k"), []byte("v")))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire after Set")
	}
}

func TestEnsureTableIsIdempotent(t *testing.T) {
	s := newTestStore(t, "objects")
	require.NoError(t, s.EnsureTable("objects"))
	require.NoError(t, s.EnsureTable("objects"))
	require.NoError(t, s.EnsureTable("newtable"))

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "newtable", KindData, []byte("k"), []byte("v")))
}
