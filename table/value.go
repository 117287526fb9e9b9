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

// Package table is the replicated partition-key/sort-key/value store:
// CRDT merge, read/write quorum with read-repair, and the per-partition
// owner task every write and Merkle update flows through.
package table

import (
	"bytes"
	"encoding/binary"

	"github.com/latticedb/lattice/proto"
)

// Value is the capability interface every table's stored type
// implements: a bounded join-semilattice element. No inheritance, no
// type switch in callers — a table is parameterized by a Factory that
// produces zero values of its one Value type.
type Value interface {
	Merge(other Value) Value
	IsTombstone() bool
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Factory produces a zero-valued instance of a table's Value type, for
// UnmarshalBinary to decode into.
type Factory func() Value

// LWW is the S3 object-table CRDT of spec.md §3: a last-writer-wins
// register keyed by (timestamp, node id), ties broken by node id so
// the register is deterministic even across concurrent writers.
type LWW struct {
	Timestamp int64
	Node      proto.NodeID
	Bytes     []byte
	Deleted   bool
}

func NewLWW() Value { return &LWW{} }

func (l *LWW) dominates(o *LWW) bool {
	if l.Timestamp != o.Timestamp {
		return l.Timestamp > o.Timestamp
	}
	return bytes.Compare(l.Node[:], o.Node[:]) > 0
}

func (l *LWW) Merge(other Value) Value {
	o, ok := other.(*LWW)
	if !ok {
		return l
	}
	if l.dominates(o) {
		return l
	}
	return o
}

func (l *LWW) IsTombstone() bool { return l.Deleted }

func (l *LWW) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+len(l.Node)+1+len(l.Bytes))
	binary.BigEndian.PutUint64(buf[:8], uint64(l.Timestamp))
	copy(buf[8:8+len(l.Node)], l.Node[:])
	off := 8 + len(l.Node)
	if l.Deleted {
		buf[off] = 1
	}
	copy(buf[off+1:], l.Bytes)
	return buf, nil
}

func (l *LWW) UnmarshalBinary(data []byte) error {
	const head = 8 + 32 + 1
	if len(data) < head {
		return errShortBuffer
	}
	l.Timestamp = int64(binary.BigEndian.Uint64(data[:8]))
	copy(l.Node[:], data[8:40])
	l.Deleted = data[40] != 0
	l.Bytes = append([]byte(nil), data[head:]...)
	return nil
}
