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

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/layout/router"
	"github.com/latticedb/lattice/metrics"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
)

const (
	peerRate      = 200 // requests/sec a Coordinator will send any one peer
	repairTimeout = 5 * time.Second

	// repairFanout bounds how many read-repairs a single partition may
	// have in flight at once, per spec.md §4.E: without this, a
	// partition under heavy divergent-read load can spawn unbounded
	// concurrent repair RPCs at the same lagging replicas.
	repairFanout = 2
)

// Coordinator drives the quorum write/read path of spec.md §4.E: it
// resolves a key to its replica set through Router, fans the request
// out, and applies W-of-R / F-of-R quorum discipline. A replica on
// this node is served through its in-process Replica directly; every
// other replica is reached over rpc.Transport.
type Coordinator struct {
	Self      proto.NodeID
	Table     string
	Factory   Factory
	Transport rpc.Transport
	Router    *router.Router
	Registry  *Registry
	R, W, F   int

	limiters     sync.Map // proto.NodeID -> *rate.Limiter
	repairLimits sync.Map // proto.PartitionID -> *semaphore.Weighted
}

// NewCoordinator enforces spec.md §4.E's quorum constraints: writes and
// reads must overlap (W+F>R) and a write quorum must outnumber any
// minority that could have missed it (W >= ceil((R+1)/2)).
func NewCoordinator(self proto.NodeID, tbl string, factory Factory, t rpc.Transport, rt *router.Router, reg *Registry, r, w, f int) (*Coordinator, error) {
	if w+f <= r {
		return nil, errors.New(errors.KindInvalidArgument, "table.NewCoordinator", fmt.Errorf("W+F must exceed R: W=%d F=%d R=%d", w, f, r))
	}
	if minW := (r + 2) / 2; w < minW {
		return nil, errors.New(errors.KindInvalidArgument, "table.NewCoordinator", fmt.Errorf("W must be at least %d for R=%d, got %d", minW, r, w))
	}
	return &Coordinator{
		Self: self, Table: tbl, Factory: factory,
		Transport: t, Router: rt, Registry: reg,
		R: r, W: w, F: f,
	}, nil
}

func (c *Coordinator) limiterFor(node proto.NodeID) *rate.Limiter {
	if v, ok := c.limiters.Load(node); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(peerRate), peerRate)
	actual, _ := c.limiters.LoadOrStore(node, l)
	return actual.(*rate.Limiter)
}

func (c *Coordinator) repairLimiterFor(p proto.PartitionID) *semaphore.Weighted {
	if v, ok := c.repairLimits.Load(p); ok {
		return v.(*semaphore.Weighted)
	}
	sem := semaphore.NewWeighted(repairFanout)
	actual, _ := c.repairLimits.LoadOrStore(p, sem)
	return actual.(*semaphore.Weighted)
}

// Insert merges v into (pk, sk) at every replica, succeeding once W of
// R replicas have applied it.
func (c *Coordinator) Insert(ctx context.Context, pk, sk []byte, v Value) error {
	p, replicas := c.Router.Route(pk)
	if len(replicas) == 0 {
		return errors.New(errors.KindInfeasibleLayout, "coordinator.Insert", fmt.Errorf("no replicas for partition %d", p))
	}
	acks := make([]bool, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for i, rep := range replicas {
		i, rep := i, rep
		g.Go(func() error {
			if err := c.writeOne(gctx, p, rep.Node, pk, sk, v); err == nil {
				acks[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range acks {
		if ok {
			n++
		}
	}
	if n < c.W {
		metrics.QuorumWrites.WithLabelValues(c.Table, "failed").Inc()
		return errors.ErrQuorumFailed
	}
	metrics.QuorumWrites.WithLabelValues(c.Table, "ok").Inc()
	return nil
}

func (c *Coordinator) writeOne(ctx context.Context, p proto.PartitionID, node proto.NodeID, pk, sk []byte, v Value) error {
	if node == c.Self {
		r, ok := c.Registry.Get(p)
		if !ok {
			return errors.New(errors.KindNotFound, "coordinator.writeOne", fmt.Errorf("no local replica for partition %d", p))
		}
		_, _, err := r.ApplyWrite(ctx, pk, sk, v)
		return err
	}
	if err := c.limiterFor(node).Wait(ctx); err != nil {
		return err
	}
	return RemoteInsert(ctx, c.Transport, node, p, pk, sk, v)
}

type readReply struct {
	v     Value
	found bool
	err   error
}

// Get fans a read out to every replica, merges whatever answers arrive
// into one value, and kicks off an async repair of any replica that
// answered with something short of the merged result. Per spec.md
// §4.E it collects "until F have replied or timeout": it returns as
// soon as F replicas have answered rather than waiting on the
// slowest of R, so one slow or unreachable replica can't hold up a
// read that has already reached quorum. Replicas still in flight at
// that point keep running against ctx in the background; repair only
// considers the ones that had actually answered by then.
func (c *Coordinator) Get(ctx context.Context, pk, sk []byte) (Value, bool, error) {
	p, replicas := c.Router.RouteRead(pk)
	if len(replicas) == 0 {
		return nil, false, errors.New(errors.KindInfeasibleLayout, "coordinator.Get", fmt.Errorf("no replicas for partition %d", p))
	}

	replies := make([]readReply, len(replicas))
	got := make([]bool, len(replicas))
	done := make(chan int, len(replicas))
	for i, rep := range replicas {
		i, rep := i, rep
		go func() {
			v, found, err := c.readOne(ctx, p, rep.Node, pk, sk)
			replies[i] = readReply{v: v, found: found, err: err}
			done <- i
		}()
	}

	answered, received := 0, 0
	for received < len(replicas) && answered < c.F {
		select {
		case i := <-done:
			received++
			got[i] = true
			if replies[i].err == nil {
				answered++
			}
		case <-ctx.Done():
			received = len(replicas)
		}
	}

	var merged Value
	for i, ok := range got {
		if !ok || replies[i].err != nil {
			continue
		}
		rp := replies[i]
		if !rp.found || rp.v == nil {
			continue
		}
		if merged == nil {
			merged = rp.v
		} else {
			merged = merged.Merge(rp.v)
		}
	}
	if answered < c.F {
		metrics.QuorumReads.WithLabelValues(c.Table, "failed").Inc()
		return nil, false, errors.ErrQuorumFailed
	}
	metrics.QuorumReads.WithLabelValues(c.Table, "ok").Inc()
	if merged == nil {
		return nil, false, nil
	}

	if sem := c.repairLimiterFor(p); sem.TryAcquire(1) {
		go func() {
			defer sem.Release(1)
			c.repair(p, pk, sk, merged, replicas, replies, got)
		}()
	} else {
		metrics.ReadRepairsDropped.WithLabelValues(c.Table).Inc()
	}

	return merged, !merged.IsTombstone(), nil
}

// repair pushes merged to any replica whose answer fell short of it.
// It runs detached from the request's context since the caller has
// already gotten its answer by the time this matters. got marks which
// replicas had actually answered by the time the caller's quorum was
// reached; stragglers are left alone — anti-entropy's Merkle sync
// will catch any divergence they turn out to have. The caller holds a
// slot in this partition's repair semaphore for the duration, bounding
// how many repairs can be in flight against it at once.
func (c *Coordinator) repair(p proto.PartitionID, pk, sk []byte, merged Value, replicas []proto.ReplicaRef, replies []readReply, got []bool) {
	for i, rep := range replicas {
		if !got[i] {
			continue
		}
		rp := replies[i]
		if rp.err == nil && rp.found && valueEqual(rp.v, merged) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), repairTimeout)
		_ = c.writeOne(ctx, p, rep.Node, pk, sk, merged)
		cancel()
		metrics.ReadRepairs.WithLabelValues(c.Table).Inc()
	}
}

func (c *Coordinator) readOne(ctx context.Context, p proto.PartitionID, node proto.NodeID, pk, sk []byte) (Value, bool, error) {
	if node == c.Self {
		r, ok := c.Registry.Get(p)
		if !ok {
			return nil, false, errors.New(errors.KindNotFound, "coordinator.readOne", fmt.Errorf("no local replica for partition %d", p))
		}
		return r.LocalGet(ctx, pk, sk)
	}
	if err := c.limiterFor(node).Wait(ctx); err != nil {
		return nil, false, err
	}
	return RemoteGet(ctx, c.Transport, c.Factory, node, p, pk, sk)
}

type rangeReply struct {
	items []Item
	err   error
}

// GetRange is Get's counterpart for a sort-key range: same quorum
// discipline, per-key merge across replicas, sorted and truncated to
// limit, and the same early return once F replicas have answered
// rather than waiting on the slowest of R (spec.md §4.E). It does not
// trigger read repair; anti-entropy's Merkle sync catches any range
// divergence it leaves behind.
func (c *Coordinator) GetRange(ctx context.Context, pk, start, end []byte, limit int) ([]Item, error) {
	p, replicas := c.Router.RouteRead(pk)
	if len(replicas) == 0 {
		return nil, errors.New(errors.KindInfeasibleLayout, "coordinator.GetRange", fmt.Errorf("no replicas for partition %d", p))
	}

	replies := make([]rangeReply, len(replicas))
	got := make([]bool, len(replicas))
	done := make(chan int, len(replicas))
	for i, rep := range replicas {
		i, rep := i, rep
		go func() {
			items, err := c.scanOne(ctx, p, rep.Node, pk, start, end, limit)
			replies[i] = rangeReply{items: items, err: err}
			done <- i
		}()
	}

	answered, received := 0, 0
	for received < len(replicas) && answered < c.F {
		select {
		case i := <-done:
			received++
			got[i] = true
			if replies[i].err == nil {
				answered++
			}
		case <-ctx.Done():
			received = len(replicas)
		}
	}

	merged := make(map[string]Value)
	for i, ok := range got {
		if !ok || replies[i].err != nil {
			continue
		}
		for _, it := range replies[i].items {
			k := string(it.SK)
			if cur, exists := merged[k]; exists {
				merged[k] = cur.Merge(it.Value)
			} else {
				merged[k] = it.Value
			}
		}
	}
	if answered < c.F {
		return nil, errors.ErrQuorumFailed
	}

	out := make([]Item, 0, len(merged))
	for sk, v := range merged {
		if v.IsTombstone() {
			continue
		}
		out = append(out, Item{SK: []byte(sk), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return compare(out[i].SK, out[j].SK) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Coordinator) scanOne(ctx context.Context, p proto.PartitionID, node proto.NodeID, pk, start, end []byte, limit int) ([]Item, error) {
	if node == c.Self {
		r, ok := c.Registry.Get(p)
		if !ok {
			return nil, errors.New(errors.KindNotFound, "coordinator.scanOne", fmt.Errorf("no local replica for partition %d", p))
		}
		return r.LocalScan(ctx, pk, start, end, limit)
	}
	if err := c.limiterFor(node).Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := encodeGob(getRangeRequest{Partition: p, PK: pk, Start: start, End: end, Limit: limit})
	if err != nil {
		return nil, err
	}
	respPayload, err := c.Transport.Call(ctx, node, ServiceName, MethodGetRange, payload)
	if err != nil {
		return nil, err
	}
	var resp getRangeResponse
	if err := decodeGob(respPayload, &resp); err != nil {
		return nil, errors.New(errors.KindProtocol, "coordinator.scanOne", err)
	}
	items := make([]Item, 0, len(resp.Items))
	for _, wi := range resp.Items {
		v := c.Factory()
		if err := v.UnmarshalBinary(wi.Value); err != nil {
			return nil, errors.New(errors.KindCorruption, "coordinator.scanOne", err)
		}
		items = append(items, Item{SK: wi.SK, Value: v})
	}
	return items, nil
}
