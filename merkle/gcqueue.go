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
	"encoding/binary"
	"time"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/store"
)

// GracePeriod is spec.md §4.F's G: a tombstone is only eligible for
// reaping once it has been dead this long, giving every replica time
// to observe the delete before the record disappears for good.
const GracePeriod = 24 * time.Hour

// GCQueue persists pending tombstone reaps in a table's gc_queue
// column family so they survive a restart between Enqueue and Reap.
//
// Elapsed time alone is not enough to reap: a replica that was
// partitioned off never saw the delete and may still hold the old
// live value. Reaping here before that replica's Merkle tree has
// been observed to agree would let the next anti-entropy round read
// the stale value back in as if it were new, resurrecting the
// delete. Confirmed, when set, gates Reap on every peer of the
// partition having independently matched this node's tree no earlier
// than the entry's deadline.
type GCQueue struct {
	Store     *store.Store
	Table     string
	Grace     time.Duration
	Confirmed func(p proto.PartitionID, deadline time.Time) bool
}

func NewGCQueue(st *store.Store, table string) *GCQueue {
	return &GCQueue{Store: st, Table: table, Grace: GracePeriod}
}

// Enqueue records that key, owned by partition p, became a tombstone
// at deletedAt.
func (q *GCQueue) Enqueue(ctx context.Context, p proto.PartitionID, key []byte, deletedAt time.Time) error {
	return q.Store.Set(ctx, q.Table, store.KindGCQueue, key, encodeGCEntry(p, deletedAt.Add(q.Grace)))
}

// Cancel removes key from the queue, used when a later write revives
// it before it was reaped.
func (q *GCQueue) Cancel(ctx context.Context, key []byte) error {
	err := q.Store.Delete(ctx, q.Table, store.KindGCQueue, key)
	if errors.KindOf(err) == errors.KindNotFound {
		return nil
	}
	return err
}

// Reap deletes every queued key whose grace period has elapsed and,
// when Confirmed is set, whose partition every peer has confirmed
// still agrees on past that deadline. A key past its deadline but not
// yet cross-replica confirmed stays queued for the next tick rather
// than being dropped or reaped early.
func (q *GCQueue) Reap(ctx context.Context, now time.Time, onReap func(key []byte)) (int, error) {
	type candidate struct {
		key       []byte
		partition proto.PartitionID
		deadline  time.Time
	}
	var due []candidate
	err := q.Store.Scan(ctx, q.Table, store.KindGCQueue, nil, func(key, value []byte) bool {
		p, deadline := decodeGCEntry(value)
		if !deadline.After(now) {
			due = append(due, candidate{key: append([]byte(nil), key...), partition: p, deadline: deadline})
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range due {
		if q.Confirmed != nil && !q.Confirmed(c.partition, c.deadline) {
			continue
		}
		if err := q.Store.Delete(ctx, q.Table, store.KindData, c.key); err != nil && errors.KindOf(err) != errors.KindNotFound {
			continue
		}
		if err := q.Store.Delete(ctx, q.Table, store.KindGCQueue, c.key); err != nil {
			continue
		}
		if onReap != nil {
			onReap(c.key)
		}
		reaped++
	}
	return reaped, nil
}

// Run reaps on a fixed interval until ctx is cancelled.
func (q *GCQueue) Run(ctx context.Context, interval time.Duration, onReap func(key []byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = q.Reap(ctx, time.Now(), onReap)
		}
	}
}

func encodeGCEntry(p proto.PartitionID, deadline time.Time) []byte {
	buf := make([]byte, 2+8)
	binary.BigEndian.PutUint16(buf[:2], uint16(p))
	binary.BigEndian.PutUint64(buf[2:], uint64(deadline.UnixNano()))
	return buf
}

func decodeGCEntry(buf []byte) (proto.PartitionID, time.Time) {
	if len(buf) < 10 {
		return 0, time.Time{}
	}
	p := proto.PartitionID(binary.BigEndian.Uint16(buf[:2]))
	t := time.Unix(0, int64(binary.BigEndian.Uint64(buf[2:])))
	return p, t
}
