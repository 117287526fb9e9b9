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

// Package manager runs the layout state machine of spec.md §4.B:
// Stable -> Staging -> Computed -> Propagating -> Stable. Staged role
// changes are a CRDT (highest sequence number per node wins); "apply"
// deterministically recomputes the layout.ring from the merged staged
// map on every node, so every node that applies the same staged map
// reaches the same layout_version and assignment.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/latticedb/lattice/common/gossip"
	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/layout/ring"
	"github.com/latticedb/lattice/metrics"
	"github.com/latticedb/lattice/proto"
)

type State int

const (
	Stable State = iota
	Staging
	Computed
	Propagating
)

func (s State) String() string {
	switch s {
	case Staging:
		return "staging"
	case Computed:
		return "computed"
	case Propagating:
		return "propagating"
	default:
		return "stable"
	}
}

// PeerStatus tracks one peer's reachability: last time this node
// heard from it, and whether it is currently believed reachable.
type PeerStatus struct {
	LastSeen   time.Time
	Reachable  bool
}

type Config struct {
	ReplicationFactor int
	Partitions        int // 0 defaults to proto.PartitionCount
	Broadcaster       gossip.Broadcaster
	Peers             func() []proto.NodeID
	// OnChange fires after a newly adopted layout is stored, letting the
	// server repoint each table's Registry at whatever partitions this
	// node now holds a replica for.
	OnChange func(l *ring.Layout)
}

// Manager owns the staged roles map, drives the state machine, and
// publishes the active layout as a lock-free snapshot for routers.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	state  State
	staged map[proto.NodeID]RoleChange

	active atomic.Pointer[ring.Layout]
	prior  atomic.Pointer[ring.Layout] // kept during Propagating for quorum-union reads

	peersMu sync.RWMutex
	peers   map[proto.NodeID]PeerStatus

	group gossip.Group
}

func New(cfg Config) *Manager {
	m := &Manager{
		cfg:    cfg,
		staged: make(map[proto.NodeID]RoleChange),
		peers:  make(map[proto.NodeID]PeerStatus),
	}
	m.group = gossip.NewGroup(gossip.Config{SM: gossipLayoutSM{m: m}, Broadcaster: cfg.Broadcaster})
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Layout returns the currently active layout, or nil before the first
// apply.
func (m *Manager) Layout() *ring.Layout {
	return m.active.Load()
}

// ActiveReplicas returns the replica set callers must address for
// partition p: just the active layout's row, unless a transition is in
// progress, in which case it is the union of the new and old rows, with
// new-row replicas absent from the old row tagged CatchingUp (spec.md
// §4.B / §9 Open Question O2). Writes go to the whole union and every
// ack counts toward W, old-row-only replicas included; reads go through
// Router.RouteRead, which leaves CatchingUp replicas out.
func (m *Manager) ActiveReplicas(p proto.PartitionID) []proto.ReplicaRef {
	cur := m.active.Load()
	if cur == nil {
		return nil
	}
	old := m.prior.Load()
	if old == nil {
		refs := make([]proto.ReplicaRef, len(cur.ReplicasOf(p)))
		for i, n := range cur.ReplicasOf(p) {
			refs[i] = proto.ReplicaRef{Node: n}
		}
		return refs
	}

	seen := make(map[proto.NodeID]bool)
	var refs []proto.ReplicaRef
	for _, n := range cur.ReplicasOf(p) {
		refs = append(refs, proto.ReplicaRef{Node: n, CatchingUp: !old.Contains(p, n)})
		seen[n] = true
	}
	for _, n := range old.ReplicasOf(p) {
		if !seen[n] {
			refs = append(refs, proto.ReplicaRef{Node: n})
		}
	}
	return refs
}

// DoneTransitioning drops the prior layout once every new replica has
// synced and acknowledged, returning the manager to Stable.
func (m *Manager) DoneTransitioning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prior.Store(nil)
	m.state = Stable
}

// StageRole merges one administrator role change into the staged CRDT
// map: highest Seq per node wins.
func (m *Manager) StageRole(rc RoleChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.staged[rc.Node]
	if !ok || rc.Seq > existing.Seq {
		m.staged[rc.Node] = rc
	}
	if m.state == Stable {
		m.state = Staging
	}
}

// MergeStaged CRDT-merges a remote node's staged map into the local
// one, used when a node receives a gossiped staged-roles snapshot.
func (m *Manager) MergeStaged(remote map[proto.NodeID]RoleChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rc := range remote {
		existing, ok := m.staged[id]
		if !ok || rc.Seq > existing.Seq {
			m.staged[id] = rc
		}
	}
}

func (m *Manager) StagedSnapshot() map[proto.NodeID]RoleChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[proto.NodeID]RoleChange, len(m.staged))
	for k, v := range m.staged {
		out[k] = v
	}
	return out
}

// Apply is the operator "apply" command: deterministically compute a
// new layout from the merged staged map and broadcast it. Every node
// that calls Apply against the same staged map and prior layout
// computes byte-identical output (property 4).
func (m *Manager) Apply(ctx context.Context) (*ring.Layout, error) {
	span := trace.SpanFromContextSafe(ctx)

	m.mu.Lock()
	if m.state == Computed {
		m.mu.Unlock()
		return nil, errors.New(errors.KindInvalidArgument, "manager.Apply", errNotStaging)
	}
	nodes := make([]ring.Node, 0, len(m.staged))
	for id, rc := range m.staged {
		if rc.Deleted {
			continue
		}
		nodes = append(nodes, ring.Node{ID: id, Zone: rc.Zone, Capacity: rc.Capacity, State: proto.NodeActive})
	}
	prev := m.active.Load()
	m.state = Computed
	m.mu.Unlock()

	next, err := ring.Compute(prev, nodes, m.cfg.ReplicationFactor, m.cfg.Partitions)
	if err != nil {
		span.Warnf("layout compute infeasible: %s", err)
		m.mu.Lock()
		m.state = Staging
		m.mu.Unlock()
		return nil, err
	}

	data, err := encodeLayout(next)
	if err != nil {
		return nil, errors.New(errors.KindProtocol, "manager.Apply", err)
	}
	var peers []proto.NodeID
	if m.cfg.Peers != nil {
		peers = m.cfg.Peers()
	}
	// group.Propose runs gossipLayoutSM.Apply, which adopts next via the
	// same AdoptGossiped path a remote gossip message would take, then
	// floods it to peers.
	if _, err := m.group.Propose(ctx, peers, data); err != nil {
		return nil, err
	}
	// Propose adopted a decoded copy of next; return that copy so the
	// caller holds the same layout Layout() now returns.
	if adopted := m.active.Load(); adopted != nil && adopted.Hash == next.Hash {
		next = adopted
	}
	span.Infof("layout applied: version=%d reshuffle=%d", next.Version, ring.Diff(prev, next))
	return next, nil
}

// AdoptGossiped handles an incoming gossiped layout: a node adopts a
// version strictly greater than its own and whose recomputed hash
// matches (spec.md §4.A: "nodes reject a layout whose recomputed hash
// disagrees").
func (m *Manager) AdoptGossiped(l *ring.Layout) (adopted bool, err error) {
	if !ring.Verify(l) {
		return false, errors.New(errors.KindProtocol, "manager.AdoptGossiped", errHashMismatch)
	}
	cur := m.active.Load()
	if cur != nil && l.Version <= cur.Version {
		return false, nil
	}
	m.mu.Lock()
	m.state = Propagating
	m.mu.Unlock()
	m.prior.Store(cur)
	m.active.Store(l)
	metrics.LayoutVersion.Set(float64(l.Version))
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(l)
	}
	return true, nil
}

func (m *Manager) MarkSeen(node proto.NodeID) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	m.peers[node] = PeerStatus{LastSeen: time.Now(), Reachable: true}
}

func (m *Manager) MarkUnreachable(node proto.NodeID) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	st := m.peers[node]
	st.Reachable = false
	m.peers[node] = st
}

func (m *Manager) PeerStatuses() map[proto.NodeID]PeerStatus {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make(map[proto.NodeID]PeerStatus, len(m.peers))
	for k, v := range m.peers {
		out[k] = v
	}
	return out
}
