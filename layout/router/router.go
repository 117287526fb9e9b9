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

// Package router maps keys to partitions and partitions to replica
// sets. It holds no state of its own beyond a pointer to the layout
// manager: every call is a pure lookup against whatever layout is
// currently active, so routing never blocks on I/O.
package router

import (
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/util"
)

// ActiveReplicaSource is satisfied by *layout/manager.Manager: routing
// always asks for the union-during-transition replica set, never the
// raw layout row, so an in-flight layout change never strands a write
// bound for a replica that hasn't synced yet.
type ActiveReplicaSource interface {
	ActiveReplicas(p proto.PartitionID) []proto.ReplicaRef
}

// Router is the external collaborator of spec.md §4.C.
type Router struct {
	source ActiveReplicaSource
}

func New(source ActiveReplicaSource) *Router {
	return &Router{source: source}
}

// PartitionOf hashes key to a partition id: the top proto.PartitionBits
// bits of key's hash, matching spec.md §4's "P = 2^B partitions, keyed
// by the top B bits of a uniform hash of the key".
func PartitionOf(key []byte) proto.PartitionID {
	return proto.PartitionID(util.TopBits(util.HashKey(key), proto.PartitionBits))
}

// Route resolves key to its partition and that partition's current
// replica set, including any replica still catching up after a layout
// change. Writes use this: every replica in the union, catching-up or
// not, should receive the new value so it has something to catch up
// to.
func (r *Router) Route(key []byte) (proto.PartitionID, []proto.ReplicaRef) {
	p := PartitionOf(key)
	return p, r.source.ActiveReplicas(p)
}

// RouteRead is Route with every CatchingUp replica filtered out. A
// replica newly assigned by a layout change hasn't synced the
// partition's pre-existing data yet, so its "not found" is not
// evidence of anything and must never be allowed to satisfy a read
// quorum alongside replicas that actually held the data before the
// transition started.
func (r *Router) RouteRead(key []byte) (proto.PartitionID, []proto.ReplicaRef) {
	p, all := r.Route(key)
	out := make([]proto.ReplicaRef, 0, len(all))
	for _, rep := range all {
		if !rep.CatchingUp {
			out = append(out, rep)
		}
	}
	return p, out
}
