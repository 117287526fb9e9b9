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
	stderrors "errors"

	"github.com/latticedb/lattice/common/kvstore"
	"github.com/latticedb/lattice/errors"
)

// Txn is a snapshot-isolated read-then-write unit of work: every Get
// inside the callback sees the store as of the moment Update was
// called, and every Set/Delete is buffered into one write batch
// committed atomically when the callback returns without error.
type Txn struct {
	ctx   context.Context
	kv    kvstore.Engine
	snap  kvstore.Snapshot
	ro    kvstore.ReadOption
	batch kvstore.WriteBatch

	touched []touch
}

type touch struct {
	table string
	kind  Kind
	key   []byte
}

func (t *Txn) Get(table string, kind Kind, key []byte) ([]byte, error) {
	v, err := t.kv.GetRaw(t.ctx, cf(table, kind), key, t.ro)
	if stderrors.Is(err, kvstore.ErrNotFound) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.New(errors.KindCorruption, "txn.Get", err)
	}
	return v, nil
}

func (t *Txn) Set(table string, kind Kind, key, value []byte) {
	t.batch.Put(cf(table, kind), key, value)
	t.touched = append(t.touched, touch{table, kind, key})
}

func (t *Txn) Delete(table string, kind Kind, key []byte) {
	t.batch.Delete(cf(table, kind), key)
	t.touched = append(t.touched, touch{table, kind, key})
}

// Update runs fn against a fresh snapshot and commits its writes
// atomically; fn's own error aborts the transaction without writing.
func (s *Store) Update(ctx context.Context, fn func(*Txn) error) error {
	snap := s.kv.NewSnapshot()
	defer snap.Close()
	ro := s.kv.NewReadOption()
	ro.SetSnapShot(snap)
	defer ro.Close()
	batch := s.kv.NewWriteBatch()
	defer batch.Close()

	txn := &Txn{ctx: ctx, kv: s.kv, snap: snap, ro: ro, batch: batch}
	if err := fn(txn); err != nil {
		return err
	}
	if err := s.kv.Write(ctx, batch, nil); err != nil {
		return errors.New(errors.KindCorruption, "store.Update", err)
	}
	for _, t := range txn.touched {
		s.notify(t.table, t.kind, t.key)
	}
	return nil
}
