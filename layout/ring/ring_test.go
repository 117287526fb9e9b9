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

package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/proto"
)

func nodeID(b byte) proto.NodeID {
	var n proto.NodeID
	n[0] = b
	return n
}

func TestComputeHardConstraints(t *testing.T) {
	nodes := []Node{
		{ID: nodeID(1), Zone: "z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(2), Zone: "z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(3), Zone: "z1", Capacity: 1, State: proto.NodeActive},
	}
	l, err := Compute(nil, nodes, 3, 64)
	require.NoError(t, err)
	require.True(t, Verify(l))

	for p := 0; p < l.P; p++ {
		row := l.Assignment[p]
		require.Len(t, row, 3)
		seen := map[proto.NodeID]bool{}
		for _, n := range row {
			require.False(t, seen[n], "H1: duplicate node within a partition")
			seen[n] = true
		}
	}
}

func TestComputeInfeasible(t *testing.T) {
	nodes := []Node{
		{ID: nodeID(1), Zone: "z1", Capacity: 1, State: proto.NodeActive},
	}
	_, err := Compute(nil, nodes, 3, 64)
	require.Error(t, err)
}

func TestComputeDeterministic(t *testing.T) {
	nodes := []Node{
		{ID: nodeID(1), Zone: "z1", Capacity: 3, State: proto.NodeActive},
		{ID: nodeID(2), Zone: "z2", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(3), Zone: "z3", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(4), Zone: "z3", Capacity: 2, State: proto.NodeActive},
	}
	l1, err := Compute(nil, nodes, 3, 128)
	require.NoError(t, err)
	l2, err := Compute(nil, nodes, 3, 128)
	require.NoError(t, err)
	require.Equal(t, l1.Hash, l2.Hash, "property 4: identical inputs must yield byte-identical output")
}

// Scenario 4: adding a node in a brand new zone must gain that zone a
// replica of every partition, and the reshuffle count must stay below
// a naive random reassignment's.
func TestComputeZoneExpansionScenario(t *testing.T) {
	base := []Node{
		{ID: nodeID(1), Zone: "Z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(2), Zone: "Z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(3), Zone: "Z1", Capacity: 1, State: proto.NodeActive},
	}
	const P = 256
	old, err := Compute(nil, base, 3, P)
	require.NoError(t, err)

	withN4 := append(append([]Node{}, base...), Node{ID: nodeID(4), Zone: "Z2", Capacity: 1, State: proto.NodeActive})
	next, err := Compute(old, withN4, 3, P)
	require.NoError(t, err)

	for p := 0; p < P; p++ {
		require.True(t, next.Contains(proto.PartitionID(p), nodeID(4)),
			"every partition must gain a Z2 replica once Z2 exists and R=3 with only one zone before")
	}

	reshuffle := Diff(old, next)

	rng := rand.New(rand.NewSource(1))
	naive := 0
	for p := 0; p < P; p++ {
		oldRow := old.Assignment[p]
		perm := rng.Perm(4)
		for k := 0; k < 3; k++ {
			newNode := []proto.NodeID{nodeID(1), nodeID(2), nodeID(3), nodeID(4)}[perm[k]]
			if k >= len(oldRow) || oldRow[k] != newNode {
				naive++
			}
		}
	}
	require.LessOrEqual(t, reshuffle, naive)
}

// Scenario 5: capacity weighting 1,1,1,2 across two zones must keep
// every node's slot count within the H3 slack-of-one bound.
func TestComputeCapacityWeightingScenario(t *testing.T) {
	const P = 256
	nodes := []Node{
		{ID: nodeID(1), Zone: "Z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(2), Zone: "Z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(3), Zone: "Z2", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(4), Zone: "Z2", Capacity: 2, State: proto.NodeActive},
	}
	l, err := Compute(nil, nodes, 3, P)
	require.NoError(t, err)

	var sumW uint64
	for _, n := range nodes {
		sumW += n.Capacity
	}
	counts := l.SlotCounts()
	for _, n := range nodes {
		ideal := float64(3*P) * float64(n.Capacity) / float64(sumW)
		got := counts[n.ID]
		diff := float64(got) - ideal
		require.LessOrEqualf(t, diff, 1.0, "node %s got %d slots, ideal %.1f", n.ID, got, ideal)
		require.GreaterOrEqualf(t, diff, -1.0, "node %s got %d slots, ideal %.1f", n.ID, got, ideal)
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	nodes := []Node{
		{ID: nodeID(1), Zone: "z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(2), Zone: "z1", Capacity: 1, State: proto.NodeActive},
		{ID: nodeID(3), Zone: "z1", Capacity: 1, State: proto.NodeActive},
	}
	l, err := Compute(nil, nodes, 3, 16)
	require.NoError(t, err)
	l.Assignment[0][0] = nodeID(99)
	require.False(t, Verify(l))
}
