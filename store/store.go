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

// Package store is the local durable engine every node uses to hold
// its replica of each table's data, the table's Merkle tree, and its
// tombstone GC queue. It is a thin namespacing layer over
// common/kvstore's rocksdb-backed Engine: every table gets three
// column families, one per spec.md §4.D kind.
package store

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/latticedb/lattice/common/kvstore"
	"github.com/latticedb/lattice/errors"
)

// Kind selects which of a table's three column families an operation
// addresses.
type Kind string

const (
	KindData    Kind = "data"
	KindMerkle  Kind = "merkle"
	KindGCQueue Kind = "gc_queue"
)

var allKinds = [...]Kind{KindData, KindMerkle, KindGCQueue}

func cf(table string, kind Kind) kvstore.CF {
	return kvstore.CF(table + "/" + string(kind))
}

// Store namespaces a kvstore.Engine by (table, kind).
type Store struct {
	kv kvstore.Engine

	subMu sync.Mutex
	subs  map[string][]chan struct{}
}

// Open creates (or reopens) a rocksdb-backed store at path with one
// column family triple already created per table in tables. Use
// EnsureTable to add tables discovered later (e.g. a newly created
// bucket).
func Open(ctx context.Context, path string, tables []string) (*Store, error) {
	cols := make([]kvstore.CF, 0, len(tables)*len(allKinds))
	for _, t := range tables {
		for _, k := range allKinds {
			cols = append(cols, cf(t, k))
		}
	}
	kv, err := kvstore.OpenEngine(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    cols,
	})
	if err != nil {
		return nil, errors.New(errors.KindCorruption, "store.Open", err)
	}
	return &Store{kv: kv, subs: make(map[string][]chan struct{})}, nil
}

// EnsureTable creates the column family triple for table if it
// doesn't already exist; idempotent.
func (s *Store) EnsureTable(table string) error {
	for _, k := range allKinds {
		if err := s.kv.CreateColumn(cf(table, k)); err != nil {
			return errors.New(errors.KindCorruption, "store.EnsureTable", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table string, kind Kind, key []byte) ([]byte, error) {
	v, err := s.kv.GetRaw(ctx, cf(table, kind), key, nil)
	if stderrors.Is(err, kvstore.ErrNotFound) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.New(errors.KindCorruption, "store.Get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, table string, kind Kind, key, value []byte) error {
	if err := s.kv.SetRaw(ctx, cf(table, kind), key, value, nil); err != nil {
		return errors.New(errors.KindCorruption, "store.Set", err)
	}
	s.notify(table, kind, key)
	return nil
}

func (s *Store) Delete(ctx context.Context, table string, kind Kind, key []byte) error {
	if err := s.kv.Delete(ctx, cf(table, kind), key, nil); err != nil {
		return errors.New(errors.KindCorruption, "store.Delete", err)
	}
	s.notify(table, kind, key)
	return nil
}

// Scan walks every key with prefix in (table, kind) order, calling fn
// for each; fn returning false stops the scan early.
func (s *Store) Scan(ctx context.Context, table string, kind Kind, prefix []byte, fn func(key, value []byte) bool) error {
	lr := s.kv.List(ctx, cf(table, kind), prefix, nil, nil)
	defer lr.Close()
	for {
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return errors.New(errors.KindCorruption, "store.Scan", err)
		}
		if k == nil {
			return nil
		}
		if !fn(k, v) {
			return nil
		}
	}
}

func (s *Store) Close() error {
	s.kv.Close()
	return nil
}
