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

// Package discovery resolves node ids to advertised endpoints. It is
// independent of cluster layout: a node's address can change, or a new
// node can be discovered, without any layout version being touched.
package discovery

import (
	"sync"

	"github.com/latticedb/lattice/proto"
)

// Directory is the external collaborator of spec.md §6.
type Directory interface {
	Lookup(node proto.NodeID) (addr string, ok bool)
	Advertise(node proto.NodeID, addr string)
	Forget(node proto.NodeID)
}

// Static is an in-memory Directory, suitable for single-process tests and
// for clusters whose membership is seeded from a config file rather than
// a discovery backend (e.g. Consul, etcd) in production.
type Static struct {
	mu   sync.RWMutex
	addr map[proto.NodeID]string
}

func NewStatic() *Static {
	return &Static{addr: make(map[proto.NodeID]string)}
}

func (s *Static) Lookup(node proto.NodeID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addr[node]
	return addr, ok
}

func (s *Static) Advertise(node proto.NodeID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr[node] = addr
}

func (s *Static) Forget(node proto.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addr, node)
}
