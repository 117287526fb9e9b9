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

// Package server assembles one cluster node: the local store, every
// configured table's replica set and quorum coordinator, the layout
// manager, anti-entropy syncers and GC queues, and the rpc.Transport
// that ties them to the rest of the cluster.
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/latticedb/lattice/discovery"
	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/layout/manager"
	"github.com/latticedb/lattice/layout/ring"
	"github.com/latticedb/lattice/layout/router"
	"github.com/latticedb/lattice/merkle"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
	"github.com/latticedb/lattice/store"
	"github.com/latticedb/lattice/table"
)

// TableConfig declares one replicated table this node participates in.
// Kind selects the CRDT carried by its values: "lww" for the S3
// object-metadata register, "causal" for the K2V sibling-set register.
type TableConfig struct {
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	ReplicationFactor int    `json:"replication_factor"`
	WriteQuorum       int    `json:"write_quorum"`
	ReadQuorum        int    `json:"read_quorum"`
}

// PeerConfig seeds the discovery directory with a cluster member known
// at startup; membership beyond this is learned through gossip.
type PeerConfig struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

type Config struct {
	NodeID     string `json:"node_id"`
	Addr       string `json:"addr"`
	ClusterKey string `json:"cluster_key"`

	StorePath string        `json:"store_path"`
	Tables    []TableConfig `json:"tables"`
	Peers     []PeerConfig  `json:"peers"`

	ReplicationFactor    int `json:"replication_factor"`
	AntiEntropyIntervalS int `json:"anti_entropy_interval_s"`
}

func decodeNodeID(s string) (proto.NodeID, error) {
	var id proto.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, errors.New(errors.KindInvalidArgument, "server.decodeNodeID", fmt.Errorf("node id must be %d hex bytes", len(id)))
	}
	copy(id[:], b)
	return id, nil
}

// tableRuntime is one table's slice of per-node state: the factory that
// knows its CRDT, the partitions it owns on this node, and the
// coordinator clients address for quorum operations.
type tableRuntime struct {
	cfg      TableConfig
	factory  table.Factory
	registry *table.Registry
	trees    *merkle.Registry
	coord    *table.Coordinator
	syncer   *merkle.Syncer
	gc       *merkle.GCQueue
}

// Server is one running cluster node.
type Server struct {
	cfg       Config
	self      proto.NodeID
	store     *store.Store
	directory *discovery.Static
	transport rpc.Transport
	manager   *manager.Manager
	router    *router.Router
	tables    map[string]*tableRuntime

	runCancel context.CancelFunc
}

func factoryFor(kind string) (table.Factory, error) {
	switch kind {
	case "", "lww":
		return table.NewLWW, nil
	case "causal":
		return table.NewCausalSet, nil
	default:
		return nil, errors.New(errors.KindInvalidArgument, "server.factoryFor", fmt.Errorf("unknown table kind %q", kind))
	}
}

// NewServer opens the local store, builds the layout manager, discovery
// directory, and transport, and assembles every configured table's
// replicas, coordinator, and anti-entropy tasks. It does not start
// serving or syncing; call Run for that.
func NewServer(cfg Config) (*Server, error) {
	self, err := decodeNodeID(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	clusterKey, err := hex.DecodeString(cfg.ClusterKey)
	if err != nil {
		return nil, errors.New(errors.KindInvalidArgument, "server.NewServer", fmt.Errorf("cluster_key must be hex: %w", err))
	}

	tableNames := make([]string, 0, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		tableNames = append(tableNames, tc.Name)
	}
	st, err := store.Open(context.Background(), cfg.StorePath, tableNames)
	if err != nil {
		return nil, err
	}

	directory := discovery.NewStatic()
	for _, p := range cfg.Peers {
		id, err := decodeNodeID(p.NodeID)
		if err != nil {
			return nil, err
		}
		directory.Advertise(id, p.Addr)
	}

	s := &Server{
		cfg:       cfg,
		self:      self,
		store:     st,
		directory: directory,
		tables:    make(map[string]*tableRuntime),
	}

	// transport's LayoutVer closes over s.manager, which is only set a
	// few lines below: rpc.Transport and layout/manager each need the
	// other (transport rejects stale-layout RPCs; layout gossip rides
	// transport), so one side's dependency is threaded through s.
	s.transport = rpc.NewTransport(rpc.Config{
		Self:       self,
		ClusterKey: rpc.ClusterKey(clusterKey),
		Resolver:   directory,
		LayoutVer:  func() uint64 { return s.layoutVersion() },
	})

	s.manager = manager.New(manager.Config{
		ReplicationFactor: cfg.ReplicationFactor,
		Broadcaster:       manager.TransportBroadcaster{Transport: s.transport},
		Peers:             peerListFunc(cfg.Peers),
		OnChange:          s.onLayoutChange,
	})
	s.router = router.New(s.manager)

	interval := time.Duration(cfg.AntiEntropyIntervalS) * time.Second
	for _, tc := range cfg.Tables {
		if err := s.addTable(tc, interval); err != nil {
			return nil, err
		}
	}

	manager.RegisterHandler(s.transport, s.manager)
	RegisterAdminHandlers(s.transport, s)

	return s, nil
}

func (s *Server) layoutVersion() uint64 {
	l := s.manager.Layout()
	if l == nil {
		return 0
	}
	return l.Version
}

func (s *Server) addTable(tc TableConfig, interval time.Duration) error {
	factory, err := factoryFor(tc.Kind)
	if err != nil {
		return err
	}
	r, w, f := replicationDefaults(tc)

	trees := merkle.NewRegistry()
	registry := table.NewRegistry()

	coord, err := table.NewCoordinator(s.self, tc.Name, factory, s.transport, s.router, registry, r, w, f)
	if err != nil {
		return err
	}

	syncer := merkle.NewSyncer(merkle.Syncer{
		Self:       s.self,
		Transport:  s.transport,
		Trees:      trees,
		Replicas:   registry,
		Table:      tc.Name,
		Factory:    factory,
		Partitions: registry.Partitions,
		PeersOf:    func(p proto.PartitionID) []proto.NodeID { return peersOf(s.manager, p) },
		Interval:   interval,
	})
	gc := merkle.NewGCQueue(s.store, tc.Name)
	gc.Confirmed = syncer.Confirmed

	table.RegisterHandlers(s.transport, registry)
	merkle.RegisterHandlers(s.transport, trees)

	s.tables[tc.Name] = &tableRuntime{
		cfg: tc, factory: factory, registry: registry, trees: trees,
		coord: coord, syncer: syncer, gc: gc,
	}
	return nil
}

// onLayoutChange keeps every table's Registry in sync with the newly
// adopted layout: adopt a fresh Replica for any partition this node
// now holds and didn't before, evict any it no longer holds.
func (s *Server) onLayoutChange(l *ring.Layout) {
	for _, tr := range s.tables {
		owned := make(map[proto.PartitionID]bool)
		for p := proto.PartitionID(0); int(p) < l.P; p++ {
			if l.Contains(p, s.self) {
				owned[p] = true
				if _, ok := tr.registry.Get(p); !ok {
					tr.registry.Adopt(p, table.NewReplica(tr.cfg.Name, tr.factory, s.store, s.onMergeFor(tr, p)))
				}
			}
		}
		for _, p := range tr.registry.Partitions() {
			if !owned[p] {
				tr.registry.Evict(p)
				tr.trees.Evict(p)
			}
		}
	}
}

// onMergeFor wires a Replica's OnMerge hook to keep both the Merkle
// tree and the tombstone GC queue current: every write updates the
// leaf hash; a write that turns into a tombstone enqueues it for
// reaping past the grace period, while a write that resurrects a
// previously deleted item cancels any pending reap.
func (s *Server) onMergeFor(tr *tableRuntime, p proto.PartitionID) func(pk, sk []byte, hash [32]byte, tombstone bool) {
	update := tr.trees.OnMerge(p)
	return func(pk, sk []byte, hash [32]byte, tombstone bool) {
		update(pk, sk, hash, tombstone)
		key := table.EncodeKey(pk, sk)
		if tombstone {
			_ = tr.gc.Enqueue(context.Background(), p, key, time.Now())
		} else {
			_ = tr.gc.Cancel(context.Background(), key)
		}
	}
}

// Run starts every table's anti-entropy syncer and GC queue, then
// blocks serving the transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	for name, tr := range s.tables {
		go tr.syncer.Run(ctx)
		go tr.gc.Run(ctx, tr.syncer.Interval, s.gcRemover(tr))
		log.Infof("table %s: anti-entropy and gc started", name)
	}

	return s.transport.Serve(s.cfg.Addr)
}

// gcRemover builds the GCQueue callback that drops a reaped
// tombstone's entry out of its table's Merkle tree: GCQueue only knows
// full storage keys, so the partition is recovered the same way a
// write would route it.
func (s *Server) gcRemover(tr *tableRuntime) func(key []byte) {
	return func(key []byte) {
		pk, _ := table.SplitStorageKey(key)
		p := router.PartitionOf(pk)
		tr.trees.TreeFor(p).Update(key, [32]byte{}, true)
	}
}

// Close stops every background task and the local store.
func (s *Server) Close() error {
	if s.runCancel != nil {
		s.runCancel()
	}
	for _, tr := range s.tables {
		tr.syncer.Stop()
	}
	s.transport.Close()
	return s.store.Close()
}

func replicationDefaults(tc TableConfig) (r, w, f int) {
	r = proto.DefaultReplicationFactor
	w = proto.DefaultWriteQuorum
	f = proto.DefaultReadQuorum
	if tc.ReplicationFactor > 0 {
		r = tc.ReplicationFactor
	}
	if tc.WriteQuorum > 0 {
		w = tc.WriteQuorum
	}
	if tc.ReadQuorum > 0 {
		f = tc.ReadQuorum
	}
	return r, w, f
}

func peerListFunc(peers []PeerConfig) func() []proto.NodeID {
	return func() []proto.NodeID {
		out := make([]proto.NodeID, 0, len(peers))
		for _, p := range peers {
			if id, err := decodeNodeID(p.NodeID); err == nil {
				out = append(out, id)
			}
		}
		return out
	}
}

func peersOf(m *manager.Manager, p proto.PartitionID) []proto.NodeID {
	refs := m.ActiveReplicas(p)
	out := make([]proto.NodeID, len(refs))
	for i, r := range refs {
		out[i] = r.Node
	}
	return out
}
