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

// Package gossip is the broadcast-and-adopt counterpart of a consensus
// group: there is no leader, no log, and no quorum on the proposal
// itself. A node applies a proposal locally and then floods it to
// peers; peers adopt it only if it dominates (by the StateMachine's own
// CRDT order) what they already have. Layout versions and staged role
// changes propagate this way: every node converges on the same state
// without needing a vote on each change.
package gossip

import (
	"context"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/proto"
)

// StateMachine is supplied by the application (layout/manager) to
// apply a gossiped proposal to local state and decide whether it
// dominates what's already held.
type StateMachine interface {
	// Apply merges data into local state. It returns applied=false if
	// data did not dominate the current state (stale gossip, a no-op).
	Apply(ctx context.Context, data []byte) (applied bool, err error)
}

// Broadcaster sends a proposal to every known peer; lattice wires this
// to rpc.Transport.Broadcast.
type Broadcaster interface {
	Broadcast(ctx context.Context, peers []proto.NodeID, payload []byte) map[proto.NodeID]error
}

// Group is the local handle applications use to propose a change and
// have it gossiped.
type Group interface {
	// Propose applies data locally, then (if it was actually new)
	// floods it to peers. Returns a request id generated for this call,
	// for observability; the id is not sent to peers.
	Propose(ctx context.Context, peers []proto.NodeID, data []byte) (reqID string, err error)
	// Deliver is called by the RPC handler when a peer's gossip
	// arrives; it only applies locally. Propose is the sole place that
	// floods, so a single Propose call reaches every peer directly
	// rather than relying on multi-hop re-flooding.
	Deliver(ctx context.Context, data []byte) (applied bool, err error)
}

type Config struct {
	SM          StateMachine
	Broadcaster Broadcaster
}

func NewGroup(cfg Config) Group {
	return &group{sm: cfg.SM, bcast: cfg.Broadcaster}
}

type group struct {
	sm    StateMachine
	bcast Broadcaster
}

func (g *group) Propose(ctx context.Context, peers []proto.NodeID, data []byte) (string, error) {
	applied, err := g.sm.Apply(ctx, data)
	if err != nil {
		return "", err
	}
	reqID := uuid.NewString()
	if !applied {
		return reqID, nil
	}
	if g.bcast != nil && len(peers) > 0 {
		g.bcast.Broadcast(ctx, peers, data)
	}
	return reqID, nil
}

func (g *group) Deliver(ctx context.Context, data []byte) (bool, error) {
	return g.sm.Apply(ctx, data)
}
