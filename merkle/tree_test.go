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
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestTreeEmptyRootIsZero(t *testing.T) {
	tr := NewTree()
	require.Equal(t, [32]byte{}, tr.RootHash())
}

func TestTreeUpdateChangesRootHash(t *testing.T) {
	tr := NewTree()
	before := tr.RootHash()

	tr.Update([]byte("pk\x00sk1"), hashOf("v1"), false)
	after := tr.RootHash()

	require.NotEqual(t, before, after)
}

func TestTreeUpdateIsOrderIndependent(t *testing.T) {
	a := NewTree()
	a.Update([]byte("pk\x00sk1"), hashOf("v1"), false)
	a.Update([]byte("pk\x00sk2"), hashOf("v2"), false)

	b := NewTree()
	b.Update([]byte("pk\x00sk2"), hashOf("v2"), false)
	b.Update([]byte("pk\x00sk1"), hashOf("v1"), false)

	require.Equal(t, a.RootHash(), b.RootHash())
}

func TestTreeUpdateSameKeySameHashIsNoop(t *testing.T) {
	tr := NewTree()
	tr.Update([]byte("pk\x00sk1"), hashOf("v1"), false)
	root := tr.RootHash()

	tr.Update([]byte("pk\x00sk1"), hashOf("v1"), false)
	require.Equal(t, root, tr.RootHash())
}

func TestTreeUpdateDifferentHashChangesRoot(t *testing.T) {
	tr := NewTree()
	tr.Update([]byte("pk\x00sk1"), hashOf("v1"), false)
	root := tr.RootHash()

	tr.Update([]byte("pk\x00sk1"), hashOf("v2"), false)
	require.NotEqual(t, root, tr.RootHash())
}

func TestTreeRemoveDropsItemFromBucket(t *testing.T) {
	tr := NewTree()
	key := []byte("pk\x00sk1")
	tr.Update(key, hashOf("v1"), false)

	b := bucketOf(key)
	require.Len(t, tr.Bucket(b), 1)

	tr.Update(key, hashOf("v1"), true)
	require.Len(t, tr.Bucket(b), 0)
	require.Equal(t, [32]byte{}, tr.RootHash())
}

func TestTreeChildrenHashToParent(t *testing.T) {
	tr := NewTree()
	tr.Update([]byte("pk\x00sk1"), hashOf("v1"), false)
	tr.Update([]byte("pk\x00sk2"), hashOf("v2"), false)

	left, right := tr.Children(1)
	combined := sha256.Sum256(append(append([]byte{}, left[:]...), right[:]...))
	require.Equal(t, tr.RootHash(), combined)
}

func TestTreeLeafBucketRoundTrips(t *testing.T) {
	for _, idx := range []int{leafCount, leafCount + 1, 2*leafCount - 1} {
		require.True(t, IsLeaf(idx))
		require.Equal(t, idx-leafCount, LeafBucket(idx))
	}
	require.False(t, IsLeaf(1))
	require.False(t, IsLeaf(leafCount - 1))
}

func TestTreeBucketSnapshotIsIndependentOfTree(t *testing.T) {
	tr := NewTree()
	key := []byte("pk\x00sk1")
	tr.Update(key, hashOf("v1"), false)

	b := bucketOf(key)
	snap := tr.Bucket(b)

	tr.Update([]byte("pk\x00sk2"), hashOf("v2"), false)
	require.Len(t, snap, 1)
}
