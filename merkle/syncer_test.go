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
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
	"github.com/latticedb/lattice/store"
	"github.com/latticedb/lattice/table"
)

// fakeNetwork and fakeTransport mirror table's coordinator_test.go
// helpers: Calls are dispatched in-process into the target node's
// registered handlers, standing in for a real gRPC connection.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[proto.NodeID]map[string]rpc.Handler
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{handlers: make(map[proto.NodeID]map[string]rpc.Handler)}
}

type fakeTransport struct {
	self proto.NodeID
	net  *fakeNetwork
}

func (t *fakeTransport) RegisterHandler(service, method string, h rpc.Handler) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.net.handlers[t.self] == nil {
		t.net.handlers[t.self] = make(map[string]rpc.Handler)
	}
	t.net.handlers[t.self][service+"/"+method] = h
}

func (t *fakeTransport) Call(ctx context.Context, node proto.NodeID, service, method string, payload []byte) ([]byte, error) {
	t.net.mu.Lock()
	h, ok := t.net.handlers[node][service+"/"+method]
	t.net.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.KindNotFound, "fakeTransport.Call", fmt.Errorf("no handler on %s for %s/%s", node, service, method))
	}
	return h(ctx, 0, payload)
}

func (t *fakeTransport) Broadcast(ctx context.Context, nodes []proto.NodeID, service, method string, payload []byte) map[proto.NodeID]rpc.CallResult {
	out := make(map[proto.NodeID]rpc.CallResult, len(nodes))
	for _, n := range nodes {
		resp, err := t.Call(ctx, n, service, method, payload)
		out[n] = rpc.CallResult{Payload: resp, Err: err}
	}
	return out
}

func (t *fakeTransport) OpenStream(ctx context.Context, node proto.NodeID, service, method string) (rpc.Stream, error) {
	return nil, errors.New(errors.KindProtocol, "fakeTransport.OpenStream", fmt.Errorf("not supported by fake transport"))
}

func (t *fakeTransport) Reachable(node proto.NodeID) bool { return true }
func (t *fakeTransport) Serve(addr string) error           { return nil }
func (t *fakeTransport) Close() error                      { return nil }

func nodeID(b byte) proto.NodeID {
	var n proto.NodeID
	n[0] = b
	return n
}

type syncNode struct {
	id        proto.NodeID
	store     *store.Store
	replicas  *table.Registry
	trees     *Registry
	transport *fakeTransport
}

func newSyncNode(t *testing.T, id proto.NodeID, net *fakeNetwork) *syncNode {
	t.Helper()
	st := newTestStore(t, "objects")

	trees := NewRegistry()
	reg := table.NewRegistry()
	reg.Adopt(0, table.NewReplica("objects", table.NewLWW, st, trees.OnMerge(0)))

	transport := &fakeTransport{self: id, net: net}
	table.RegisterHandlers(transport, reg)
	RegisterHandlers(transport, trees)

	return &syncNode{id: id, store: st, replicas: reg, trees: trees, transport: transport}
}

func newSyncPair(t *testing.T) (a, b *syncNode, net *fakeNetwork) {
	t.Helper()
	net = newFakeNetwork()
	a = newSyncNode(t, nodeID(1), net)
	b = newSyncNode(t, nodeID(2), net)
	return a, b, net
}

func newSyncerFor(n *syncNode, peer proto.NodeID) *Syncer {
	return NewSyncer(Syncer{
		Self:       n.id,
		Transport:  n.transport,
		Trees:      n.trees,
		Replicas:   n.replicas,
		Table:      "objects",
		Factory:    table.NewLWW,
		Partitions: func() []proto.PartitionID { return []proto.PartitionID{0} },
		PeersOf:    func(proto.PartitionID) []proto.NodeID { return []proto.NodeID{n.id, peer} },
	})
}

func TestSyncerSyncWithNoopWhenRootsMatch(t *testing.T) {
	a, b, _ := newSyncPair(t)
	ctx := context.Background()

	ra, _ := a.replicas.Get(0)
	_, _, err := ra.ApplyWrite(ctx, []byte("pk"), []byte("sk"), &table.LWW{Timestamp: 1, Node: a.id, Bytes: []byte("v1")})
	require.NoError(t, err)
	rb, _ := b.replicas.Get(0)
	_, _, err = rb.ApplyWrite(ctx, []byte("pk"), []byte("sk"), &table.LWW{Timestamp: 1, Node: a.id, Bytes: []byte("v1")})
	require.NoError(t, err)

	s := newSyncerFor(a, b.id)
	require.NoError(t, s.syncWith(ctx, 0, b.id))
}

func TestSyncerPullsMissingItemFromPeer(t *testing.T) {
	a, b, _ := newSyncPair(t)
	ctx := context.Background()

	rb, _ := b.replicas.Get(0)
	_, _, err := rb.ApplyWrite(ctx, []byte("pk"), []byte("sk"), &table.LWW{Timestamp: 1, Node: b.id, Bytes: []byte("fromB")})
	require.NoError(t, err)

	s := newSyncerFor(a, b.id)
	require.NoError(t, s.syncWith(ctx, 0, b.id))

	ra, _ := a.replicas.Get(0)
	v, found, err := ra.LocalGet(ctx, []byte("pk"), []byte("sk"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("fromB"), v.(*table.LWW).Bytes)
}

func TestSyncerPushesLocalOnlyItemToPeer(t *testing.T) {
	a, b, _ := newSyncPair(t)
	ctx := context.Background()

	ra, _ := a.replicas.Get(0)
	_, _, err := ra.ApplyWrite(ctx, []byte("pk"), []byte("sk"), &table.LWW{Timestamp: 1, Node: a.id, Bytes: []byte("fromA")})
	require.NoError(t, err)

	s := newSyncerFor(a, b.id)
	require.NoError(t, s.syncWith(ctx, 0, b.id))

	rb, _ := b.replicas.Get(0)
	v, found, err := rb.LocalGet(ctx, []byte("pk"), []byte("sk"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("fromA"), v.(*table.LWW).Bytes)
}

func TestSyncerConvergesRootHashesAfterSync(t *testing.T) {
	a, b, _ := newSyncPair(t)
	ctx := context.Background()

	ra, _ := a.replicas.Get(0)
	rb, _ := b.replicas.Get(0)
	_, _, err := ra.ApplyWrite(ctx, []byte("pk"), []byte("sk1"), &table.LWW{Timestamp: 1, Node: a.id, Bytes: []byte("a1")})
	require.NoError(t, err)
	_, _, err = rb.ApplyWrite(ctx, []byte("pk"), []byte("sk2"), &table.LWW{Timestamp: 1, Node: b.id, Bytes: []byte("b1")})
	require.NoError(t, err)

	require.NotEqual(t, a.trees.TreeFor(0).RootHash(), b.trees.TreeFor(0).RootHash())

	s := newSyncerFor(a, b.id)
	require.NoError(t, s.syncWith(ctx, 0, b.id))

	require.Equal(t, a.trees.TreeFor(0).RootHash(), b.trees.TreeFor(0).RootHash())
}

func TestSyncerNextPeerRoundRobinsAndBacksOffOnFailure(t *testing.T) {
	a, _, _ := newSyncPair(t)
	s := newSyncerFor(a, nodeID(9))

	peer, ok := s.nextPeer(0)
	require.True(t, ok)
	require.Equal(t, nodeID(9), peer)

	s.recordResult(peer, fmt.Errorf("unreachable"))
	_, ok = s.nextPeer(0)
	require.False(t, ok, "peer must be skipped while backed off")

	s.recordResult(peer, nil)
	_, ok = s.nextPeer(0)
	require.True(t, ok, "peer must be retried immediately after a success clears backoff")
}
