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
	"context"

	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
)

const (
	GossipService = "lattice.layout"
	GossipMethod  = "Gossip"
)

// TransportBroadcaster adapts rpc.Transport to gossip.Broadcaster,
// fixing the (service, method) pair layout gossip always rides on.
type TransportBroadcaster struct {
	Transport rpc.Transport
}

func (b TransportBroadcaster) Broadcast(ctx context.Context, peers []proto.NodeID, payload []byte) map[proto.NodeID]error {
	out := make(map[proto.NodeID]error, len(peers))
	for node, res := range b.Transport.Broadcast(ctx, peers, GossipService, GossipMethod, payload) {
		out[node] = res.Err
	}
	return out
}

// RegisterHandler wires the transport-side handler that feeds incoming
// gossip into m.AdoptGossiped, for use at node startup.
func RegisterHandler(t rpc.Transport, m *Manager) {
	t.RegisterHandler(GossipService, GossipMethod, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		_, err := m.group.Deliver(ctx, payload)
		return nil, err
	})
}
