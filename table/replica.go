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

package table

import (
	"context"
	"crypto/sha256"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/store"
)

const mailboxCapacity = 256

// Replica is the per-partition owner task of spec.md §5: one goroutine
// serializes every write, and the Merkle leaf update it triggers,
// against the local store, so no mutex is ever held across the
// transaction's I/O. Reads bypass the owner entirely and hit the store
// directly under its own snapshot isolation — "reads ... do not need
// the owner task."
type Replica struct {
	Table   string
	Factory Factory
	Store   *store.Store
	// OnMerge fires after a write actually changes the stored value,
	// letting the merkle package keep its leaf hashes current.
	OnMerge func(pk, sk []byte, newHash [32]byte, tombstone bool)

	mailbox chan func()
	done    chan struct{}
}

func NewReplica(tbl string, factory Factory, st *store.Store, onMerge func(pk, sk []byte, hash [32]byte, tombstone bool)) *Replica {
	r := &Replica{
		Table:   tbl,
		Factory: factory,
		Store:   st,
		OnMerge: onMerge,
		mailbox: make(chan func(), mailboxCapacity),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Replica) run() {
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Replica) Close() { close(r.done) }

type applyResult struct {
	merged  Value
	changed bool
	err     error
}

// ApplyWrite merges vNew into the stored value for (pk, sk), serialized
// through the partition's owner goroutine. It returns Busy immediately
// — never blocks — when the mailbox is already full (spec.md §5's
// back-pressure rule).
func (r *Replica) ApplyWrite(ctx context.Context, pk, sk []byte, vNew Value) (Value, bool, error) {
	resCh := make(chan applyResult, 1)
	select {
	case r.mailbox <- func() { resCh <- r.applyWriteSync(pk, sk, vNew) }:
	default:
		return nil, false, errors.ErrBusy
	}
	select {
	case res := <-resCh:
		return res.merged, res.changed, res.err
	case <-ctx.Done():
		return nil, false, errors.New(errors.KindTimeout, "replica.ApplyWrite", ctx.Err())
	}
}

func (r *Replica) applyWriteSync(pk, sk []byte, vNew Value) applyResult {
	key := encodeKey(pk, sk)
	var merged Value
	var changed bool

	err := r.Store.Update(context.Background(), func(txn *store.Txn) error {
		old, found, err := r.loadTxn(txn, key)
		if err != nil {
			return err
		}
		if !found {
			merged, changed = vNew, true
		} else {
			merged, changed = old.Merge(vNew), true
			if valueEqual(merged, old) {
				changed = false
			}
		}
		if !changed {
			return nil
		}
		data, err := merged.MarshalBinary()
		if err != nil {
			return errors.New(errors.KindCorruption, "replica.ApplyWrite", err)
		}
		txn.Set(r.Table, store.KindData, key, data)
		return nil
	})
	if err != nil {
		return applyResult{err: err}
	}
	if changed && r.OnMerge != nil {
		data, _ := merged.MarshalBinary()
		r.OnMerge(pk, sk, sha256.Sum256(data), merged.IsTombstone())
	}
	return applyResult{merged: merged, changed: changed}
}

func (r *Replica) loadTxn(txn *store.Txn, key []byte) (Value, bool, error) {
	data, err := txn.Get(r.Table, store.KindData, key)
	if errors.KindOf(err) == errors.KindNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v := r.Factory()
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, false, errors.New(errors.KindCorruption, "replica.loadTxn", err)
	}
	return v, true, nil
}

// LocalGet reads (pk, sk) directly from the store, outside the owner
// goroutine.
func (r *Replica) LocalGet(ctx context.Context, pk, sk []byte) (Value, bool, error) {
	data, err := r.Store.Get(ctx, r.Table, store.KindData, encodeKey(pk, sk))
	if errors.KindOf(err) == errors.KindNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v := r.Factory()
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, false, errors.New(errors.KindCorruption, "replica.LocalGet", err)
	}
	return v, true, nil
}

// Item is one (sort key, value) pair returned by LocalScan.
type Item struct {
	SK    []byte
	Value Value
}

// LocalScan returns up to limit items of pk with sk in [start, end),
// in sort-key order. end == nil means unbounded.
func (r *Replica) LocalScan(ctx context.Context, pk, start, end []byte, limit int) ([]Item, error) {
	var items []Item
	scanErr := r.Store.Scan(ctx, r.Table, store.KindData, pk, func(key, data []byte) bool {
		sk, ok := splitKey(pk, key)
		if !ok {
			return true
		}
		if start != nil && compare(sk, start) < 0 {
			return true
		}
		if end != nil && compare(sk, end) >= 0 {
			return false
		}
		v := r.Factory()
		if err := v.UnmarshalBinary(data); err != nil {
			return true
		}
		items = append(items, Item{SK: sk, Value: v})
		return limit <= 0 || len(items) < limit
	})
	if scanErr != nil {
		return nil, scanErr
	}
	return items, nil
}

func compare(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}
