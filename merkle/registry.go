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
	"sync"

	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/table"
)

// Registry tracks the Merkle tree for every partition this node owns a
// Replica for, mirroring table.Registry one-to-one.
type Registry struct {
	mu    sync.RWMutex
	trees map[proto.PartitionID]*Tree
}

func NewRegistry() *Registry {
	return &Registry{trees: make(map[proto.PartitionID]*Tree)}
}

// TreeFor returns the tree for p, creating it on first use.
func (reg *Registry) TreeFor(p proto.PartitionID) *Tree {
	reg.mu.RLock()
	t, ok := reg.trees[p]
	reg.mu.RUnlock()
	if ok {
		return t
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if t, ok := reg.trees[p]; ok {
		return t
	}
	t = NewTree()
	reg.trees[p] = t
	return t
}

func (reg *Registry) Evict(p proto.PartitionID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.trees, p)
}

// OnMerge adapts table.Replica's OnMerge hook to keep p's tree current
// as writes and read-repairs land. A tombstone still occupies its leaf
// — it is only removed once GCQueue reaps it past the grace period, so
// peers that haven't seen the delete yet still show up as diverged.
func (reg *Registry) OnMerge(p proto.PartitionID) func(pk, sk []byte, hash [32]byte, tombstone bool) {
	return func(pk, sk []byte, hash [32]byte, tombstone bool) {
		reg.TreeFor(p).Update(table.EncodeKey(pk, sk), hash, false)
	}
}
