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
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/latticedb/lattice/proto"
)

// Clock is the causality token of spec.md §9: a vector clock keyed by
// node id. Tokens are opaque to clients and compared by dominance.
type Clock map[proto.NodeID]uint64

// Dominates reports whether c is greater than or equal to other in
// every component and strictly greater in at least one — i.e. other's
// writes are all already reflected in c. An empty other is dominated
// by every clock, an empty c included.
func (c Clock) Dominates(other Clock) bool {
	strictlyGreater := false
	for n, v := range other {
		if c[n] < v {
			return false
		}
		if c[n] > v {
			strictlyGreater = true
		}
	}
	for n, v := range c {
		if _, ok := other[n]; !ok && v > 0 {
			strictlyGreater = true
		}
	}
	return strictlyGreater || len(other) == 0
}

// Equal reports whether the two clocks have identical entries.
func (c Clock) Equal(other Clock) bool {
	if len(c) != len(other) {
		return false
	}
	for n, v := range c {
		if other[n] != v {
			return false
		}
	}
	return true
}

// Merge takes the pointwise maximum of two clocks.
func (c Clock) Merge(other Clock) Clock {
	out := make(Clock, len(c)+len(other))
	for n, v := range c {
		out[n] = v
	}
	for n, v := range other {
		if v > out[n] {
			out[n] = v
		}
	}
	return out
}

// Bump increments node's entry, used when a client writes with a new
// token derived from the one it last read.
func (c Clock) Bump(node proto.NodeID) Clock {
	out := c.Merge(nil)
	out[node]++
	return out
}

// Sibling is one causally-distinct write still held in a CausalSet: its
// own clock, not the set's, since two siblings are kept exactly because
// neither one's clock dominates the other's.
type Sibling struct {
	Clock   Clock
	Value   []byte
	Deleted bool
}

// CausalSet is the K2V sibling-set CRDT of spec.md §3 scenario 3: a
// multi-value register that keeps every causally-concurrent write as a
// sibling, each tagged with the clock it was written under, until a
// later write's clock dominates it.
//
// Merging by a single set-wide clock (rather than one clock per
// sibling) is unsound: it lets a sibling that a later write already
// dominates resurface after a different merge order, since the
// set-wide clock can no longer tell which sibling it applied to. Per-
// sibling clocks make domination — and therefore pruning — order
// independent, which is what makes Merge associative.
type CausalSet struct {
	Siblings []Sibling
}

func NewCausalSet() Value { return &CausalSet{} }

func (cs *CausalSet) Merge(other Value) Value {
	o, ok := other.(*CausalSet)
	if !ok {
		return cs
	}
	all := make([]Sibling, 0, len(cs.Siblings)+len(o.Siblings))
	all = append(all, cs.Siblings...)
	all = append(all, o.Siblings...)
	return &CausalSet{Siblings: pruneDominated(all)}
}

// IsTombstone reports whether every surviving sibling is a delete:
// nothing live remains for a reader to see.
func (cs *CausalSet) IsTombstone() bool {
	for _, s := range cs.Siblings {
		if !s.Deleted {
			return false
		}
	}
	return true
}

func (cs *CausalSet) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (cs *CausalSet) UnmarshalBinary(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(cs)
}

// pruneDominated dedups identical-clock siblings and drops any sibling
// whose clock is strictly dominated by another surviving sibling's
// clock, leaving only the maximal (causally concurrent) writes. The
// result is sorted by value so Merge's output doesn't depend on the
// order its inputs arrived in.
func pruneDominated(all []Sibling) []Sibling {
	dedup := make([]Sibling, 0, len(all))
outer:
	for _, s := range all {
		for _, d := range dedup {
			if s.Clock.Equal(d.Clock) {
				continue outer
			}
		}
		dedup = append(dedup, s)
	}

	kept := make([]Sibling, 0, len(dedup))
	for i, s := range dedup {
		dominated := false
		for j, other := range dedup {
			if i == j {
				continue
			}
			if other.Clock.Dominates(s.Clock) {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, s)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return bytes.Compare(kept[i].Value, kept[j].Value) < 0 })
	return kept
}
