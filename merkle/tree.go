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

// Package merkle is the anti-entropy component: a per-partition Merkle
// tree over sort keys, a Syncer that walks it against peers to find and
// repair divergence, and a GCQueue that reaps tombstones once their
// grace period has passed.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
)

// Depth is the tree height: leaves are bucketed by the top Depth bits
// of sha256 of the item's storage key (table.EncodeKey(pk, sk)), giving
// 2^Depth buckets to diff independently.
const Depth = 16

const leafCount = 1 << Depth

// Tree is one partition's incremental Merkle tree, keyed by
// (sk-hash-prefix, depth) as spec.md §4.F names it: each leaf bucket
// holds every (storage key, valueHash) pair whose hash prefix selects it, and
// every update recomputes only the O(Depth) ancestors on the path to
// the root rather than rehashing the whole tree.
type Tree struct {
	mu     sync.RWMutex
	items  [leafCount]map[string][32]byte // sk -> value hash, nil until first write
	hashes [2 * leafCount][32]byte        // 1-indexed complete binary tree, root at hashes[1]
}

func NewTree() *Tree {
	return &Tree{}
}

func bucketOf(key []byte) int {
	h := sha256.Sum256(key)
	return int(binary.BigEndian.Uint16(h[:2]))
}

// Update records that the item stored at key now hashes to valueHash,
// or removes it from the tree when removed is true (used once a
// tombstone is GC'd). key is the item's full storage key, i.e.
// table.EncodeKey(pk, sk) — a partition's tree covers every pk it owns.
func (t *Tree) Update(key []byte, valueHash [32]byte, removed bool) {
	b := bucketOf(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items[b] == nil {
		t.items[b] = make(map[string][32]byte)
	}
	if removed {
		delete(t.items[b], string(key))
	} else {
		t.items[b][string(key)] = valueHash
	}
	t.recomputeFrom(b)
}

func (t *Tree) recomputeFrom(bucket int) {
	idx := leafCount + bucket
	t.hashes[idx] = hashBucket(t.items[bucket])
	for idx > 1 {
		idx /= 2
		left, right := t.hashes[2*idx], t.hashes[2*idx+1]
		if left == ([32]byte{}) && right == ([32]byte{}) {
			// an emptied subtree hashes to zero, like one never written
			t.hashes[idx] = [32]byte{}
			continue
		}
		t.hashes[idx] = sha256.Sum256(append(append([]byte{}, left[:]...), right[:]...))
	}
}

func hashBucket(items map[string][32]byte) [32]byte {
	if len(items) == 0 {
		return [32]byte{}
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		v := items[k]
		h.Write([]byte(k))
		h.Write(v[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RootHash is the tree's current summary: two replicas agree on every
// item iff their root hashes match.
func (t *Tree) RootHash() [32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hashes[1]
}

// Children returns the hash of idx's left and right children. idx==1
// is the root; leaves live at [leafCount, 2*leafCount).
func (t *Tree) Children(idx int) (left, right [32]byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hashes[2*idx], t.hashes[2*idx+1]
}

func IsLeaf(idx int) bool { return idx >= leafCount }

func LeafBucket(idx int) int { return idx - leafCount }

// Bucket returns a snapshot of one leaf bucket's (storage key,
// valueHash) pairs, the unit anti-entropy exchanges once two trees'
// paths diverge down to a single leaf.
func (t *Tree) Bucket(bucket int) map[string][32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][32]byte, len(t.items[bucket]))
	for k, v := range t.items[bucket] {
		out[k] = v
	}
	return out
}
