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

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/rpc"
)

// RegisterHandlers wires the inbound side of the lattice.table service
// to reg: every Insert/Get/GetRange a peer sends for a partition this
// node owns a Replica for is dispatched straight to that Replica.
func RegisterHandlers(t rpc.Transport, reg *Registry) {
	t.RegisterHandler(ServiceName, MethodInsert, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req insertRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "table.Insert", err)
		}
		r, ok := reg.Get(req.Partition)
		if !ok {
			return nil, errors.New(errors.KindNotFound, "table.Insert", fmt.Errorf("partition %d not owned here", req.Partition))
		}
		v := r.Factory()
		if err := v.UnmarshalBinary(req.Value); err != nil {
			return nil, errors.New(errors.KindCorruption, "table.Insert", err)
		}
		if _, _, err := r.ApplyWrite(ctx, req.PK, req.SK, v); err != nil {
			return nil, err
		}
		return encodeGob(insertResponse{})
	})

	t.RegisterHandler(ServiceName, MethodGet, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req getRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "table.Get", err)
		}
		r, ok := reg.Get(req.Partition)
		if !ok {
			return nil, errors.New(errors.KindNotFound, "table.Get", fmt.Errorf("partition %d not owned here", req.Partition))
		}
		v, found, err := r.LocalGet(ctx, req.PK, req.SK)
		if err != nil {
			return nil, err
		}
		resp := getResponse{Found: found}
		if found {
			data, err := v.MarshalBinary()
			if err != nil {
				return nil, errors.New(errors.KindCorruption, "table.Get", err)
			}
			resp.Value = data
		}
		return encodeGob(resp)
	})

	t.RegisterHandler(ServiceName, MethodGetRange, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req getRangeRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "table.GetRange", err)
		}
		r, ok := reg.Get(req.Partition)
		if !ok {
			return nil, errors.New(errors.KindNotFound, "table.GetRange", fmt.Errorf("partition %d not owned here", req.Partition))
		}
		items, err := r.LocalScan(ctx, req.PK, req.Start, req.End, req.Limit)
		if err != nil {
			return nil, err
		}
		resp := getRangeResponse{Items: make([]wireItem, 0, len(items))}
		for _, it := range items {
			data, err := it.Value.MarshalBinary()
			if err != nil {
				return nil, errors.New(errors.KindCorruption, "table.GetRange", err)
			}
			resp.Items = append(resp.Items, wireItem{SK: it.SK, Value: data})
		}
		return encodeGob(resp)
	})
}
