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

// Admin handlers expose the operator-facing surface of spec.md §6
// (layout(), partition_status(p)) and the latticectl commands that
// drive the layout state machine (stage a role, apply it, force a
// repair pass) over the same rpc.Transport every other service rides.
package server

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/layout/manager"
	"github.com/latticedb/lattice/layout/ring"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
)

const (
	AdminService       = "lattice.admin"
	MethodLayout       = "Layout"
	MethodStageRole    = "StageRole"
	MethodApplyLayout  = "ApplyLayout"
	MethodPartStatus   = "PartitionStatus"
	MethodRepair       = "Repair"
)

type stageRoleRequest struct {
	Role manager.RoleChange
}

type partitionStatusRequest struct {
	Table     string
	Partition proto.PartitionID
}

type repairRequest struct {
	Table string
}

func encodeAdmin(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAdmin(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// RegisterAdminHandlers wires the inbound side of AdminService to s,
// for use at node startup alongside the table and merkle handlers.
func RegisterAdminHandlers(t rpc.Transport, s *Server) {
	t.RegisterHandler(AdminService, MethodLayout, func(_ context.Context, _ uint64, _ []byte) ([]byte, error) {
		l := s.manager.Layout()
		if l == nil {
			return nil, nil
		}
		return encodeAdmin(l)
	})

	t.RegisterHandler(AdminService, MethodStageRole, func(_ context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req stageRoleRequest
		if err := decodeAdmin(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "admin.StageRole", err)
		}
		s.manager.StageRole(req.Role)
		return nil, nil
	})

	t.RegisterHandler(AdminService, MethodApplyLayout, func(ctx context.Context, _ uint64, _ []byte) ([]byte, error) {
		l, err := s.manager.Apply(ctx)
		if err != nil {
			return nil, err
		}
		return encodeAdmin(l)
	})

	t.RegisterHandler(AdminService, MethodPartStatus, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req partitionStatusRequest
		if err := decodeAdmin(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "admin.PartitionStatus", err)
		}
		st, err := s.partitionStatus(req.Table, req.Partition)
		if err != nil {
			return nil, err
		}
		return encodeAdmin(st)
	})

	t.RegisterHandler(AdminService, MethodRepair, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req repairRequest
		if err := decodeAdmin(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "admin.Repair", err)
		}
		tr, ok := s.tables[req.Table]
		if !ok {
			return nil, errors.New(errors.KindInvalidArgument, "admin.Repair", fmt.Errorf("no such table %q", req.Table))
		}
		return nil, tr.syncer.TriggerOnce(ctx)
	})
}

// partitionStatus assembles spec.md §6's partition_status(p): the
// layout's replica list for p plus every peer's most recent Merkle
// sync outcome, as tracked by that table's Syncer.
func (s *Server) partitionStatus(table string, p proto.PartitionID) (proto.PartitionStatus, error) {
	tr, ok := s.tables[table]
	if !ok {
		return proto.PartitionStatus{}, errors.New(errors.KindInvalidArgument, "server.partitionStatus", fmt.Errorf("no such table %q", table))
	}
	l := s.manager.Layout()
	st := proto.PartitionStatus{
		Partition:    p,
		SyncLag:      make(map[proto.NodeID]int64),
		LastSyncedAt: make(map[proto.NodeID]int64),
	}
	if l != nil {
		st.Replicas = l.ReplicasOf(p)
	}
	for peer, ps := range tr.syncer.Status(p) {
		st.SyncLag[peer] = int64(ps.Mismatches)
		st.LastSyncedAt[peer] = ps.LastSyncedAt.UnixNano()
	}
	return st, nil
}

// AdminClient is the latticectl side of AdminService: one RPC per
// operator subcommand, addressed at whichever node the operator
// pointed the CLI at.
type AdminClient struct {
	Transport rpc.Transport
	Node      proto.NodeID
}

func (c AdminClient) Layout(ctx context.Context) (*ring.Layout, error) {
	resp, err := c.Transport.Call(ctx, c.Node, AdminService, MethodLayout, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	var l ring.Layout
	if err := decodeAdmin(resp, &l); err != nil {
		return nil, errors.New(errors.KindProtocol, "adminclient.Layout", err)
	}
	return &l, nil
}

func (c AdminClient) StageRole(ctx context.Context, rc manager.RoleChange) error {
	payload, err := encodeAdmin(stageRoleRequest{Role: rc})
	if err != nil {
		return err
	}
	_, err = c.Transport.Call(ctx, c.Node, AdminService, MethodStageRole, payload)
	return err
}

func (c AdminClient) ApplyLayout(ctx context.Context) (*ring.Layout, error) {
	resp, err := c.Transport.Call(ctx, c.Node, AdminService, MethodApplyLayout, nil)
	if err != nil {
		return nil, err
	}
	var l ring.Layout
	if err := decodeAdmin(resp, &l); err != nil {
		return nil, errors.New(errors.KindProtocol, "adminclient.ApplyLayout", err)
	}
	return &l, nil
}

func (c AdminClient) PartitionStatus(ctx context.Context, table string, p proto.PartitionID) (proto.PartitionStatus, error) {
	payload, err := encodeAdmin(partitionStatusRequest{Table: table, Partition: p})
	if err != nil {
		return proto.PartitionStatus{}, err
	}
	resp, err := c.Transport.Call(ctx, c.Node, AdminService, MethodPartStatus, payload)
	if err != nil {
		return proto.PartitionStatus{}, err
	}
	var st proto.PartitionStatus
	if err := decodeAdmin(resp, &st); err != nil {
		return proto.PartitionStatus{}, errors.New(errors.KindProtocol, "adminclient.PartitionStatus", err)
	}
	return st, nil
}

func (c AdminClient) Repair(ctx context.Context, table string) error {
	payload, err := encodeAdmin(repairRequest{Table: table})
	if err != nil {
		return err
	}
	_, err = c.Transport.Call(ctx, c.Node, AdminService, MethodRepair, payload)
	return err
}
