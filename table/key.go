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

import "bytes"

// EncodeKey lays out the data-tree key as pk, a NUL separator, then sk,
// so a prefix scan over pk yields every item in sort-key order. Callers
// must not embed a NUL byte in a partition key.
func EncodeKey(pk, sk []byte) []byte {
	key := make([]byte, 0, len(pk)+1+len(sk))
	key = append(key, pk...)
	key = append(key, 0)
	key = append(key, sk...)
	return key
}

func encodeKey(pk, sk []byte) []byte { return EncodeKey(pk, sk) }

func splitKey(pk, key []byte) (sk []byte, ok bool) {
	prefix := append(append([]byte(nil), pk...), 0)
	if !bytes.HasPrefix(key, prefix) {
		return nil, false
	}
	return key[len(prefix):], true
}

// SplitStorageKey recovers (pk, sk) from a key built by EncodeKey
// without already knowing pk, used by anti-entropy which only ever
// sees the partition's full keyspace.
func SplitStorageKey(key []byte) (pk, sk []byte) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return key, nil
	}
	return key[:i], key[i+1:]
}

func valueEqual(a, b Value) bool {
	ab, errA := a.MarshalBinary()
	bb, errB := b.MarshalBinary()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
