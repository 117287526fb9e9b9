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
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/metrics"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
	"github.com/latticedb/lattice/table"
)

const (
	minBackoff = 2 * time.Second
	maxBackoff = 2 * time.Minute
)

// Syncer is the per-partition round-robin anti-entropy task of
// spec.md §4.F: on each tick it starts a sync for every owned partition,
// at most Concurrency at once (a partition that finds no free slot waits
// for a later tick). Each sync picks the partition's next peer, diffs the
// partition's Merkle tree against the peer's, and repairs whatever leaf
// buckets disagree.
type Syncer struct {
	Self       proto.NodeID
	Transport  rpc.Transport
	Trees      *Registry
	Replicas   *table.Registry
	Table      string
	Factory    table.Factory
	Partitions func() []proto.PartitionID
	PeersOf    func(p proto.PartitionID) []proto.NodeID

	Interval    time.Duration
	Concurrency int64

	sem *semaphore.Weighted

	mu          sync.Mutex
	cursor      map[proto.PartitionID]int
	backoff     map[proto.NodeID]time.Duration
	nextAttempt map[proto.NodeID]time.Time
	status      map[statusKey]PeerSyncStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type statusKey struct {
	partition proto.PartitionID
	peer      proto.NodeID
}

// PeerSyncStatus is one partition's most recent sync outcome against
// one peer, the detail partition_status(p) reports per spec.md §6.
type PeerSyncStatus struct {
	Mismatches   int
	LastSyncedAt time.Time
	Err          error
}

// Status returns the most recent sync outcome for each peer of
// partition p that this Syncer has attempted, for operator tooling.
func (s *Syncer) Status(p proto.PartitionID) map[proto.NodeID]PeerSyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[proto.NodeID]PeerSyncStatus)
	for k, v := range s.status {
		if k.partition == p {
			out[k.peer] = v
		}
	}
	return out
}

// Confirmed reports whether every peer holding partition p has, via
// its most recently recorded Merkle comparison with this node, agreed
// with no mismatches at or after deadline — spec.md §4.F's "every
// replica of the partition has confirmed, via Merkle comparison, that
// it holds the same tombstone for at least the grace period". A peer
// this node has never successfully synced with, or whose last sync
// disagreed or errored, means not confirmed. A partition with no
// peers (replication factor 1) is vacuously confirmed.
func (s *Syncer) Confirmed(p proto.PartitionID, deadline time.Time) bool {
	peers := s.PeersOf(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range peers {
		if peer == s.Self {
			continue
		}
		st, ok := s.status[statusKey{partition: p, peer: peer}]
		if !ok || st.Err != nil || st.Mismatches != 0 || st.LastSyncedAt.Before(deadline) {
			return false
		}
	}
	return true
}

func NewSyncer(s Syncer) *Syncer {
	if s.Interval == 0 {
		s.Interval = 30 * time.Second
	}
	if s.Concurrency == 0 {
		s.Concurrency = 4
	}
	s.sem = semaphore.NewWeighted(s.Concurrency)
	s.cursor = make(map[proto.PartitionID]int)
	s.backoff = make(map[proto.NodeID]time.Duration)
	s.nextAttempt = make(map[proto.NodeID]time.Time)
	s.status = make(map[statusKey]PeerSyncStatus)
	return &s
}

// Run ticks until ctx is cancelled or Stop is called. Each tick fires
// with jitter so every node's syncers don't pound the same peer at the
// same instant.
func (s *Syncer) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		jitter := time.Duration(rand.Int63n(int64(s.Interval) / 2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval + jitter):
		}

		for _, p := range s.Partitions() {
			p := p
			if !s.sem.TryAcquire(1) {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.sem.Release(1)
				s.syncPartition(ctx, p)
			}()
		}
	}
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Syncer) nextPeer(p proto.PartitionID) (proto.NodeID, bool) {
	peers := make([]proto.NodeID, 0)
	for _, n := range s.PeersOf(p) {
		if n != s.Self {
			peers = append(peers, n)
		}
	}
	if len(peers) == 0 {
		return proto.NodeID{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.cursor[p] % len(peers)
	s.cursor[p] = i + 1
	peer := peers[i]
	if until, ok := s.nextAttempt[peer]; ok && time.Now().Before(until) {
		return proto.NodeID{}, false
	}
	return peer, true
}

func (s *Syncer) recordResult(peer proto.NodeID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.backoff, peer)
		delete(s.nextAttempt, peer)
		return
	}
	next := s.backoff[peer]*2 + minBackoff
	if next > maxBackoff {
		next = maxBackoff
	}
	s.backoff[peer] = next
	s.nextAttempt[peer] = time.Now().Add(next)
}

func (s *Syncer) syncPartition(ctx context.Context, p proto.PartitionID) {
	peer, ok := s.nextPeer(p)
	if !ok {
		return
	}
	err := s.syncWith(ctx, p, peer)
	s.recordResult(peer, err)
}

// TriggerOnce runs one synchronous sync pass over every owned
// partition against its next peer, outside the regular tick interval.
// Used by the operator-facing repair command.
func (s *Syncer) TriggerOnce(ctx context.Context) error {
	var firstErr error
	for _, p := range s.Partitions() {
		peer, ok := s.nextPeer(p)
		if !ok {
			continue
		}
		err := s.syncWith(ctx, p, peer)
		s.recordResult(peer, err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// syncWith walks the local and peer Merkle trees for p from the root
// down, descending only into subtrees whose hashes disagree, then
// repairs every diverged leaf bucket it finds.
func (s *Syncer) syncWith(ctx context.Context, p proto.PartitionID, peer proto.NodeID) error {
	local := s.Trees.TreeFor(p)

	remoteRoot, err := s.remoteRootHash(ctx, peer, p)
	if err != nil {
		s.recordStatus(p, peer, 0, err)
		return err
	}
	if remoteRoot == local.RootHash() {
		metrics.MerkleMismatches.WithLabelValues(partitionLabel(p), peer.String()).Set(0)
		s.recordStatus(p, peer, 0, nil)
		return nil
	}

	mismatches := 0
	err = s.walk(ctx, p, peer, local, 1, &mismatches)
	metrics.MerkleMismatches.WithLabelValues(partitionLabel(p), peer.String()).Set(float64(mismatches))
	s.recordStatus(p, peer, mismatches, err)
	return err
}

func (s *Syncer) recordStatus(p proto.PartitionID, peer proto.NodeID, mismatches int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[statusKey{partition: p, peer: peer}] = PeerSyncStatus{
		Mismatches: mismatches, LastSyncedAt: time.Now(), Err: err,
	}
}

func (s *Syncer) walk(ctx context.Context, p proto.PartitionID, peer proto.NodeID, local *Tree, node int, mismatches *int) error {
	if IsLeaf(node) {
		*mismatches++
		return s.reconcileBucket(ctx, p, peer, local, LeafBucket(node))
	}

	localLeft, localRight := local.Children(node)
	remoteLeft, remoteRight, err := s.remoteChildren(ctx, peer, p, node)
	if err != nil {
		return err
	}
	if localLeft != remoteLeft {
		if err := s.walk(ctx, p, peer, local, 2*node, mismatches); err != nil {
			return err
		}
	}
	if localRight != remoteRight {
		if err := s.walk(ctx, p, peer, local, 2*node+1, mismatches); err != nil {
			return err
		}
	}
	return nil
}

func partitionLabel(p proto.PartitionID) string {
	return fmt.Sprintf("%d", p)
}

func (s *Syncer) reconcileBucket(ctx context.Context, p proto.PartitionID, peer proto.NodeID, local *Tree, bucket int) error {
	remoteItems, err := s.remoteBucket(ctx, peer, p, bucket)
	if err != nil {
		return err
	}
	localItems := local.Bucket(bucket)

	r, ok := s.Replicas.Get(p)
	if !ok {
		return errors.New(errors.KindNotFound, "merkle.reconcileBucket", nil)
	}

	for key, remoteHash := range remoteItems {
		if localHash, ok := localItems[key]; ok && localHash == remoteHash {
			continue
		}
		pk, sk := table.SplitStorageKey([]byte(key))
		v, found, err := table.RemoteGet(ctx, s.Transport, s.Factory, peer, p, pk, sk)
		if err != nil || !found {
			continue
		}
		if _, _, err := r.ApplyWrite(ctx, pk, sk, v); err != nil {
			continue
		}
	}

	for key := range localItems {
		if _, ok := remoteItems[key]; ok {
			continue
		}
		pk, sk := table.SplitStorageKey([]byte(key))
		v, found, err := r.LocalGet(ctx, pk, sk)
		if err != nil || !found {
			continue
		}
		_ = table.RemoteInsert(ctx, s.Transport, peer, p, pk, sk, v)
	}
	return nil
}

func (s *Syncer) remoteRootHash(ctx context.Context, peer proto.NodeID, p proto.PartitionID) ([32]byte, error) {
	payload, err := encodeGob(rootHashRequest{Partition: p})
	if err != nil {
		return [32]byte{}, err
	}
	respPayload, err := s.Transport.Call(ctx, peer, ServiceName, MethodRootHash, payload)
	if err != nil {
		return [32]byte{}, err
	}
	var resp rootHashResponse
	if err := decodeGob(respPayload, &resp); err != nil {
		return [32]byte{}, errors.New(errors.KindProtocol, "merkle.remoteRootHash", err)
	}
	return resp.Hash, nil
}

func (s *Syncer) remoteChildren(ctx context.Context, peer proto.NodeID, p proto.PartitionID, node int) (left, right [32]byte, err error) {
	payload, err := encodeGob(childrenRequest{Partition: p, Node: node})
	if err != nil {
		return left, right, err
	}
	respPayload, err := s.Transport.Call(ctx, peer, ServiceName, MethodChildren, payload)
	if err != nil {
		return left, right, err
	}
	var resp childrenResponse
	if err := decodeGob(respPayload, &resp); err != nil {
		return left, right, errors.New(errors.KindProtocol, "merkle.remoteChildren", err)
	}
	return resp.Left, resp.Right, nil
}

func (s *Syncer) remoteBucket(ctx context.Context, peer proto.NodeID, p proto.PartitionID, bucket int) (map[string][32]byte, error) {
	payload, err := encodeGob(bucketRequest{Partition: p, Bucket: bucket})
	if err != nil {
		return nil, err
	}
	respPayload, err := s.Transport.Call(ctx, peer, ServiceName, MethodBucket, payload)
	if err != nil {
		return nil, err
	}
	var resp bucketResponse
	if err := decodeGob(respPayload, &resp); err != nil {
		return nil, errors.New(errors.KindProtocol, "merkle.remoteBucket", err)
	}
	return resp.Items, nil
}
