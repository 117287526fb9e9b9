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

// Package ring computes, for each partition of the key space, an
// ordered list of replica nodes. It is a pure function of the staged
// node attributes and the previous assignment: no I/O, no locking,
// byte-identical output for byte-identical input on every node.
package ring

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/proto"
)

// Node is the administrator-declared attributes of one node as of the
// layout version being computed.
type Node struct {
	ID       proto.NodeID
	Zone     string
	Capacity uint64
	State    proto.NodeState
}

// Layout is one versioned, hashed, canonicalized assignment.
type Layout struct {
	Version    proto.LayoutVersion
	R          int
	P          int
	Nodes      map[proto.NodeID]Node
	Assignment [][]proto.NodeID // len P, each len R, primary first
	Hash       [32]byte
}

// ReplicasOf returns the ordered replica list for partition p.
func (l *Layout) ReplicasOf(p proto.PartitionID) []proto.NodeID {
	return l.Assignment[int(p)]
}

// Contains reports whether node holds any replica of partition p.
func (l *Layout) Contains(p proto.PartitionID, node proto.NodeID) bool {
	for _, n := range l.Assignment[int(p)] {
		if n == node {
			return true
		}
	}
	return false
}

// SlotCounts returns the number of partition slots assigned to each node,
// used by operator tooling and by H3 tests.
func (l *Layout) SlotCounts() map[proto.NodeID]int {
	counts := make(map[proto.NodeID]int, len(l.Nodes))
	for _, replicas := range l.Assignment {
		for _, n := range replicas {
			counts[n]++
		}
	}
	return counts
}

// Diff returns the number of (partition, rank) positions whose
// occupant changed between old and new, the quantity the stability
// pass minimizes (spec.md §4.A soft objective).
func Diff(old, new *Layout) int {
	if old == nil {
		total := 0
		for _, r := range new.Assignment {
			total += len(r)
		}
		return total
	}
	changed := 0
	for p := 0; p < new.P; p++ {
		var oldRow []proto.NodeID
		if p < len(old.Assignment) {
			oldRow = old.Assignment[p]
		}
		newRow := new.Assignment[p]
		for k := 0; k < len(newRow); k++ {
			var oldNode proto.NodeID
			if k < len(oldRow) {
				oldNode = oldRow[k]
			}
			if oldNode != newRow[k] {
				changed++
			}
		}
	}
	return changed
}

// Compute implements the two-stage assignment algorithm of spec.md
// §4.A: a capacity-apportionment pass (H3) followed by a zone-aware,
// previous-assignment-preferring greedy pass (H1, H2, and the stability
// soft objective). It is a tractable stand-in for an exact
// max-flow/min-cost-flow formulation, which minimizing reshuffle volume
// does not strictly require.
//
// prev may be nil (first layout ever computed). partitions defaults to
// proto.PartitionCount when zero, letting tests exercise small rings.
func Compute(prev *Layout, nodes []Node, r int, partitions int) (*Layout, error) {
	if partitions == 0 {
		partitions = proto.PartitionCount
	}
	active := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State == proto.NodeActive && n.Capacity > 0 {
			active = append(active, n)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID.String() < active[j].ID.String() })

	if len(active) < r {
		return nil, errors.New(errors.KindInfeasibleLayout, "ring.Compute",
			fmt.Errorf("need %d distinct active nodes, have %d (max feasible R'=%d)", r, len(active), len(active)))
	}

	nodeTargets := apportion(r*partitions, active)
	zoneTargets := apportionZones(r*partitions, active)

	nodeRemaining := make(map[proto.NodeID]int, len(active))
	zoneRemaining := make(map[string]int, len(zoneTargets))
	nodesByZone := make(map[string][]Node, len(zoneTargets))
	nodeByID := make(map[proto.NodeID]Node, len(active))
	for _, n := range active {
		nodeRemaining[n.ID] = nodeTargets[n.ID]
		nodeByID[n.ID] = n
		nodesByZone[n.Zone] = append(nodesByZone[n.Zone], n)
	}
	for z, t := range zoneTargets {
		zoneRemaining[z] = t
	}

	assignment := make([][]proto.NodeID, partitions)
	for p := 0; p < partitions; p++ {
		pid := proto.PartitionID(p)
		var prevRow []proto.NodeID
		if prev != nil && p < len(prev.Assignment) {
			prevRow = prev.Assignment[p]
		}
		assignment[p] = assignPartition(pid, nodesByZone, nodeRemaining, zoneRemaining, prevRow, r)
	}

	l := &Layout{R: r, P: partitions, Nodes: nodeByID, Assignment: assignment}
	if prev != nil {
		l.Version = prev.Version + 1
	} else {
		l.Version = 1
	}
	l.Hash = hashLayout(l)
	return l, nil
}

// apportion distributes total slots across nodes proportional to
// capacity using the largest-remainder method, so sum(targets) ==
// total exactly and every node's share is within one of R*P*w_n/Σw
// (H3).
func apportion(total int, active []Node) map[proto.NodeID]int {
	var sumW uint64
	for _, n := range active {
		sumW += n.Capacity
	}
	targets := make(map[proto.NodeID]int, len(active))
	type remainder struct {
		id  proto.NodeID
		rem float64
	}
	remainders := make([]remainder, 0, len(active))
	assigned := 0
	for _, n := range active {
		exact := float64(total) * float64(n.Capacity) / float64(sumW)
		floor := int(exact)
		targets[n.ID] = floor
		assigned += floor
		remainders = append(remainders, remainder{id: n.ID, rem: exact - float64(floor)})
	}
	sort.Slice(remainders, func(i, j int) bool {
		if remainders[i].rem != remainders[j].rem {
			return remainders[i].rem > remainders[j].rem
		}
		return bytes.Compare(remainders[i].id[:], remainders[j].id[:]) < 0
	})
	for i := 0; i < total-assigned; i++ {
		targets[remainders[i%len(remainders)].id]++
	}
	return targets
}

// apportionZones distributes total slots across zones proportional to
// each zone's summed node capacity, by the same largest-remainder
// method as apportion. assignPartition spends from this budget
// per zone-slot before it spends from apportion's per-node budget, so
// a zone sharing fewer zones than R with a heavier zone never starves
// just because its one node's own remaining budget looks small next
// to a zone-mate's (spec.md §4.A: source → zone-slot → node-slot →
// partition-rank).
func apportionZones(total int, active []Node) map[string]int {
	weight := make(map[string]uint64)
	for _, n := range active {
		weight[n.Zone] += n.Capacity
	}
	zones := make([]string, 0, len(weight))
	for z := range weight {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	var sumW uint64
	for _, w := range weight {
		sumW += w
	}
	targets := make(map[string]int, len(zones))
	type remainder struct {
		zone string
		rem  float64
	}
	remainders := make([]remainder, 0, len(zones))
	assigned := 0
	for _, z := range zones {
		exact := float64(total) * float64(weight[z]) / float64(sumW)
		floor := int(exact)
		targets[z] = floor
		assigned += floor
		remainders = append(remainders, remainder{zone: z, rem: exact - float64(floor)})
	}
	sort.Slice(remainders, func(i, j int) bool {
		if remainders[i].rem != remainders[j].rem {
			return remainders[i].rem > remainders[j].rem
		}
		return remainders[i].zone < remainders[j].zone
	})
	for i := 0; i < total-assigned; i++ {
		targets[remainders[i%len(remainders)].zone]++
	}
	return targets
}

// assignPartition picks r distinct nodes for one partition. Per
// spec.md §4.A the pipeline runs source → zone-slot → node-slot →
// partition-rank: for each of the r ranks it first picks a zone,
// spending from zoneRemaining (itself apportioned by summed zone
// capacity), and only then picks a node within that zone, spending
// from nodeRemaining. Running the two budgets independently is what
// keeps H3 ("slack of at most 1") from breaking down when the zone
// count is less than r: a zone's allocation can no longer be
// monopolized by whichever of its nodes happens to sort first on a
// flat, zone-blind budget. Both levels prefer the previous
// assignment's occupant first (stability), and fall back through the
// same zone-relaxed, then budget-relaxed, passes as before.
func assignPartition(p proto.PartitionID, nodesByZone map[string][]Node, nodeRemaining map[proto.NodeID]int, zoneRemaining map[string]int, prevRow []proto.NodeID, r int) []proto.NodeID {
	prevSet := make(map[proto.NodeID]int, len(prevRow))
	for rank, n := range prevRow {
		prevSet[n] = rank
	}
	zones := make([]string, 0, len(nodesByZone))
	for z := range nodesByZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	zoneOfNode := make(map[proto.NodeID]string)
	for z, ns := range nodesByZone {
		for _, n := range ns {
			zoneOfNode[n.ID] = z
		}
	}

	picked := make([]proto.NodeID, 0, r)
	usedZones := make(map[string]bool, r)
	pickedSet := make(map[proto.NodeID]bool, r)

	bestNodeInZone := func(zone string, allowBudgetOverflow bool) (proto.NodeID, bool) {
		type ncand struct {
			id       proto.NodeID
			inPrev   bool
			prevRank int
			tieBreak uint64
		}
		var cands []ncand
		for _, n := range nodesByZone[zone] {
			if pickedSet[n.ID] {
				continue
			}
			if !allowBudgetOverflow && nodeRemaining[n.ID] <= 0 {
				continue
			}
			rank, inPrev := prevSet[n.ID]
			cands = append(cands, ncand{id: n.ID, inPrev: inPrev, prevRank: rank, tieBreak: tieBreakHash(p, n.ID)})
		}
		if len(cands) == 0 {
			return proto.NodeID{}, false
		}
		sort.Slice(cands, func(i, j int) bool {
			a, b := cands[i], cands[j]
			if a.inPrev != b.inPrev {
				return a.inPrev
			}
			if a.inPrev && b.inPrev && a.prevRank != b.prevRank {
				return a.prevRank < b.prevRank
			}
			if nodeRemaining[a.id] != nodeRemaining[b.id] {
				return nodeRemaining[a.id] > nodeRemaining[b.id]
			}
			return a.tieBreak < b.tieBreak
		})
		return cands[0].id, true
	}

	hasEligibleNode := func(zone string, allowBudgetOverflow bool) bool {
		for _, n := range nodesByZone[zone] {
			if pickedSet[n.ID] {
				continue
			}
			if allowBudgetOverflow || nodeRemaining[n.ID] > 0 {
				return true
			}
		}
		return false
	}

	bestZone := func(allowZoneReuse, allowBudgetOverflow bool) (string, bool) {
		type zcand struct {
			zone     string
			inPrev   bool
			zoneRem  int
			tieBreak uint64
		}
		var cands []zcand
		for _, z := range zones {
			if !allowZoneReuse && usedZones[z] {
				continue
			}
			if !hasEligibleNode(z, allowBudgetOverflow) {
				continue
			}
			if !allowBudgetOverflow && zoneRemaining[z] <= 0 {
				continue
			}
			inPrev := false
			for _, n := range prevRow {
				if zoneOfNode[n] == z && !pickedSet[n] {
					inPrev = true
					break
				}
			}
			cands = append(cands, zcand{zone: z, inPrev: inPrev, zoneRem: zoneRemaining[z], tieBreak: zoneTieBreakHash(p, z)})
		}
		if len(cands) == 0 {
			return "", false
		}
		sort.Slice(cands, func(i, j int) bool {
			a, b := cands[i], cands[j]
			if a.inPrev != b.inPrev {
				return a.inPrev
			}
			if a.zoneRem != b.zoneRem {
				return a.zoneRem > b.zoneRem
			}
			return a.tieBreak < b.tieBreak
		})
		return cands[0].zone, true
	}

	fill := func(allowZoneReuse, allowBudgetOverflow bool) {
		for len(picked) < r {
			zone, ok := bestZone(allowZoneReuse, allowBudgetOverflow)
			if !ok {
				return
			}
			node, ok := bestNodeInZone(zone, allowBudgetOverflow)
			if !ok {
				// zone passed hasEligibleNode but yielded nothing: budget
				// changed between the two checks is impossible here since
				// nothing mutates in between, so this means the zone is
				// exhausted for this pass; avoid retrying it forever.
				usedZones[zone] = true
				continue
			}
			picked = append(picked, node)
			pickedSet[node] = true
			usedZones[zone] = true
			nodeRemaining[node]--
			zoneRemaining[zone]--
		}
	}

	fill(false, false) // respect zone distinctness and both budgets
	fill(true, false)  // relax zone distinctness, keep budgets (H2 best-effort)
	fill(true, true)   // relax budgets as a last resort (bounded H3 overflow)

	return picked
}

func tieBreakHash(p proto.PartitionID, n proto.NodeID) uint64 {
	var buf [10]byte
	binary.BigEndian.PutUint16(buf[:2], p)
	copy(buf[2:], n[:8])
	h := sha256.Sum256(buf[:])
	return binary.BigEndian.Uint64(h[:8])
}

func zoneTieBreakHash(p proto.PartitionID, zone string) uint64 {
	buf := make([]byte, 2+len(zone))
	binary.BigEndian.PutUint16(buf[:2], p)
	copy(buf[2:], zone)
	h := sha256.Sum256(buf)
	return binary.BigEndian.Uint64(h[:8])
}

func hashLayout(l *Layout) [32]byte {
	h := sha256.New()
	binary.Write(h, binary.BigEndian, l.Version)
	binary.Write(h, binary.BigEndian, uint32(l.R))
	binary.Write(h, binary.BigEndian, uint32(l.P))
	ids := make([]proto.NodeID, 0, len(l.Nodes))
	for id := range l.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	for _, id := range ids {
		n := l.Nodes[id]
		h.Write(id[:])
		h.Write([]byte(n.Zone))
		binary.Write(h, binary.BigEndian, n.Capacity)
	}
	for _, row := range l.Assignment {
		for _, n := range row {
			h.Write(n[:])
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify recomputes the layout's hash and reports whether it matches
// the stored one — nodes reject a layout whose recomputed hash
// disagrees, per spec.md §4.A.
func Verify(l *Layout) bool {
	return hashLayout(l) == l.Hash
}
