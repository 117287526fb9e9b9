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

package merkle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/store"
	"github.com/latticedb/lattice/util"
)

func newTestStore(t *testing.T, tables ...string) *store.Store {
	t.Helper()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	s, err := store.Open(context.Background(), path, tables)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGCQueueReapSkipsUnexpiredEntries(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()
	q := &GCQueue{Store: st, Table: "objects", Grace: time.Hour}

	require.NoError(t, st.Set(ctx, "objects", store.KindData, []byte("k1"), []byte("tombstone")))
	require.NoError(t, q.Enqueue(ctx, 0, []byte("k1"), time.Now()))

	n, err := q.Reap(ctx, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = st.Get(ctx, "objects", store.KindData, []byte("k1"))
	require.NoError(t, err)
}

func TestGCQueueReapRemovesExpiredEntries(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()
	q := &GCQueue{Store: st, Table: "objects", Grace: time.Hour}

	require.NoError(t, st.Set(ctx, "objects", store.KindData, []byte("k1"), []byte("tombstone")))
	require.NoError(t, q.Enqueue(ctx, 0, []byte("k1"), time.Now().Add(-2*time.Hour)))

	var reaped [][]byte
	n, err := q.Reap(ctx, time.Now(), func(key []byte) { reaped = append(reaped, key) })
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, [][]byte{[]byte("k1")}, reaped)

	_, err = st.Get(ctx, "objects", store.KindData, []byte("k1"))
	require.ErrorIs(t, err, errors.ErrNotFound)
	_, err = st.Get(ctx, "objects", store.KindGCQueue, []byte("k1"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestGCQueueReapLeavesOtherKeysAlone(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()
	q := &GCQueue{Store: st, Table: "objects", Grace: time.Hour}

	require.NoError(t, st.Set(ctx, "objects", store.KindData, []byte("expired"), []byte("v")))
	require.NoError(t, q.Enqueue(ctx, 0, []byte("expired"), time.Now().Add(-2*time.Hour)))
	require.NoError(t, st.Set(ctx, "objects", store.KindData, []byte("fresh"), []byte("v")))
	require.NoError(t, q.Enqueue(ctx, 0, []byte("fresh"), time.Now()))

	n, err := q.Reap(ctx, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = st.Get(ctx, "objects", store.KindData, []byte("fresh"))
	require.NoError(t, err)
}

func TestGCQueueCancelRemovesPendingEntry(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()
	q := &GCQueue{Store: st, Table: "objects", Grace: time.Hour}

	require.NoError(t, q.Enqueue(ctx, 0, []byte("k1"), time.Now().Add(-2*time.Hour)))
	require.NoError(t, q.Cancel(ctx, []byte("k1")))

	n, err := q.Reap(ctx, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestGCQueueCancelOnAbsentKeyIsNoop(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()
	q := &GCQueue{Store: st, Table: "objects", Grace: time.Hour}

	require.NoError(t, q.Cancel(ctx, []byte("never-enqueued")))
}

func TestGCQueueRunStopsOnContextCancellation(t *testing.T) {
	st := newTestStore(t, "objects")
	q := &GCQueue{Store: st, Table: "objects", Grace: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, 10*time.Millisecond, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestGCQueueReapWithholdsUntilCrossReplicaConfirmation guards spec.md
// §4.F: elapsed grace time alone must never reap a tombstone. A
// replica that never confirmed matching via Merkle comparison (e.g.
// it was partitioned off and may still hold the old live value) must
// keep the entry queued past its deadline.
func TestGCQueueReapWithholdsUntilCrossReplicaConfirmation(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()
	confirmed := false
	q := &GCQueue{
		Store: st, Table: "objects", Grace: time.Hour,
		Confirmed: func(p proto.PartitionID, deadline time.Time) bool { return confirmed },
	}

	require.NoError(t, st.Set(ctx, "objects", store.KindData, []byte("k1"), []byte("tombstone")))
	require.NoError(t, q.Enqueue(ctx, 7, []byte("k1"), time.Now().Add(-2*time.Hour)))

	n, err := q.Reap(ctx, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n, "an unconfirmed tombstone must stay queued even though its deadline passed")
	_, err = st.Get(ctx, "objects", store.KindData, []byte("k1"))
	require.NoError(t, err)

	confirmed = true
	n, err = q.Reap(ctx, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n, "once every replica confirms, the withheld entry reaps on the next tick")
	_, err = st.Get(ctx, "objects", store.KindData, []byte("k1"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

// TestGCQueueReapPassesThePartitionAndDeadlineToConfirmed checks that
// Reap asks Confirmed about the entry's own partition and grace
// deadline, not some other value, so a caller wiring this to
// Syncer.Confirmed gets the check spec.md §4.F actually requires.
func TestGCQueueReapPassesThePartitionAndDeadlineToConfirmed(t *testing.T) {
	st := newTestStore(t, "objects")
	ctx := context.Background()

	deletedAt := time.Now().Add(-2 * time.Hour)
	var gotPartition proto.PartitionID
	var gotDeadline time.Time
	q := &GCQueue{
		Store: st, Table: "objects", Grace: time.Hour,
		Confirmed: func(p proto.PartitionID, deadline time.Time) bool {
			gotPartition, gotDeadline = p, deadline
			return true
		},
	}

	require.NoError(t, st.Set(ctx, "objects", store.KindData, []byte("k1"), []byte("tombstone")))
	require.NoError(t, q.Enqueue(ctx, 42, []byte("k1"), deletedAt))

	_, err := q.Reap(ctx, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, proto.PartitionID(42), gotPartition)
	require.WithinDuration(t, deletedAt.Add(time.Hour), gotDeadline, time.Second)
}
