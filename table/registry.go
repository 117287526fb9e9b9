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
	"sync"

	"github.com/latticedb/lattice/proto"
)

// Registry tracks which partitions of a table this node currently owns
// a Replica for. Partitions are added and removed as layout changes
// move them onto or off this node; Registry itself has no opinion
// about when that happens.
type Registry struct {
	mu       sync.RWMutex
	replicas map[proto.PartitionID]*Replica
}

func NewRegistry() *Registry {
	return &Registry{replicas: make(map[proto.PartitionID]*Replica)}
}

func (reg *Registry) Adopt(p proto.PartitionID, r *Replica) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.replicas[p] = r
}

func (reg *Registry) Evict(p proto.PartitionID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.replicas[p]; ok {
		r.Close()
		delete(reg.replicas, p)
	}
}

func (reg *Registry) Get(p proto.PartitionID) (*Replica, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.replicas[p]
	return r, ok
}

// Partitions lists every partition currently owned, for callers (the
// anti-entropy Syncer, operator status) that need to iterate what's
// local without reaching into layout.
func (reg *Registry) Partitions() []proto.PartitionID {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]proto.PartitionID, 0, len(reg.replicas))
	for p := range reg.replicas {
		out = append(out, p)
	}
	return out
}
