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

package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/proto"
)

type fakeSource struct {
	replicas map[proto.PartitionID][]proto.ReplicaRef
}

func (f *fakeSource) ActiveReplicas(p proto.PartitionID) []proto.ReplicaRef {
	return f.replicas[p]
}

func TestPartitionOfIsDeterministic(t *testing.T) {
	require.Equal(t, PartitionOf([]byte("object/key")), PartitionOf([]byte("object/key")))
}

func TestPartitionOfSpreadsAcrossRange(t *testing.T) {
	seen := make(map[proto.PartitionID]bool)
	for i := 0; i < 4096; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		seen[PartitionOf(key)] = true
	}
	require.Greater(t, len(seen), proto.PartitionCount/2,
		"a few thousand distinct keys should land across most of the %d partitions", proto.PartitionCount)
}

func TestRouteDelegatesToSource(t *testing.T) {
	var n proto.NodeID
	n[0] = 7
	p := PartitionOf([]byte("k"))
	src := &fakeSource{replicas: map[proto.PartitionID][]proto.ReplicaRef{
		p: {{Node: n}},
	}}
	r := New(src)

	got, refs := r.Route([]byte("k"))
	require.Equal(t, p, got)
	require.Equal(t, []proto.ReplicaRef{{Node: n}}, refs)
}

func TestRouteReadExcludesCatchingUpReplicas(t *testing.T) {
	var synced, catching proto.NodeID
	synced[0] = 1
	catching[0] = 2
	p := PartitionOf([]byte("k"))
	src := &fakeSource{replicas: map[proto.PartitionID][]proto.ReplicaRef{
		p: {{Node: synced}, {Node: catching, CatchingUp: true}},
	}}
	r := New(src)

	_, all := r.Route([]byte("k"))
	require.Len(t, all, 2, "Route must still return the full union for writes")

	_, reads := r.RouteRead([]byte("k"))
	require.Equal(t, []proto.ReplicaRef{{Node: synced}}, reads,
		"RouteRead must drop not-yet-synced replicas so their not-found answers can't satisfy a read quorum")
}
