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

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
)

// RemoteInsert and RemoteGet are the bare RPC calls behind Coordinator's
// fan-out, exported so anti-entropy can push and pull individual items
// without going through the full quorum path.

func RemoteInsert(ctx context.Context, t rpc.Transport, node proto.NodeID, p proto.PartitionID, pk, sk []byte, v Value) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return errors.New(errors.KindCorruption, "table.RemoteInsert", err)
	}
	payload, err := encodeGob(insertRequest{Partition: p, PK: pk, SK: sk, Value: data})
	if err != nil {
		return err
	}
	_, err = t.Call(ctx, node, ServiceName, MethodInsert, payload)
	return err
}

func RemoteGet(ctx context.Context, t rpc.Transport, factory Factory, node proto.NodeID, p proto.PartitionID, pk, sk []byte) (Value, bool, error) {
	payload, err := encodeGob(getRequest{Partition: p, PK: pk, SK: sk})
	if err != nil {
		return nil, false, err
	}
	respPayload, err := t.Call(ctx, node, ServiceName, MethodGet, payload)
	if err != nil {
		return nil, false, err
	}
	var resp getResponse
	if err := decodeGob(respPayload, &resp); err != nil {
		return nil, false, errors.New(errors.KindProtocol, "table.RemoteGet", err)
	}
	if !resp.Found {
		return nil, false, nil
	}
	v := factory()
	if err := v.UnmarshalBinary(resp.Value); err != nil {
		return nil, false, errors.New(errors.KindCorruption, "table.RemoteGet", err)
	}
	return v, true, nil
}
