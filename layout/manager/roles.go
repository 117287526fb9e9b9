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

package manager

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"

	"github.com/latticedb/lattice/layout/ring"
	"github.com/latticedb/lattice/proto"
)

var (
	errNotStaging   = errors.New("manager not in staging or stable state")
	errHashMismatch = errors.New("gossiped layout hash does not match its contents")
)

// RoleChange is one administrator edit to a node's staged role: the
// CRDT register merged by Seq, highest wins, mirroring a Lamport
// clock per node rather than wall time so concurrent operators on
// different nodes still converge deterministically.
type RoleChange struct {
	Node     proto.NodeID
	Seq      uint64
	Zone     string
	Capacity uint64
	Tag      string
	Deleted  bool
}

// gossipLayoutSM adapts Manager to common/gossip.StateMachine: a
// gossiped payload is always a full encoded ring.Layout, and "applied"
// means it strictly advanced the manager's active version.
type gossipLayoutSM struct {
	m *Manager
}

func (sm gossipLayoutSM) Apply(ctx context.Context, data []byte) (bool, error) {
	l, err := decodeLayout(data)
	if err != nil {
		return false, err
	}
	return sm.m.AdoptGossiped(l)
}

func encodeLayout(l *ring.Layout) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLayout(data []byte) (*ring.Layout, error) {
	var l ring.Layout
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&l); err != nil {
		return nil, err
	}
	return &l, nil
}
