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

	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/rpc"
)

// RegisterHandlers wires the inbound side of the lattice.merkle service
// to reg, letting a peer's Syncer walk this node's trees.
func RegisterHandlers(t rpc.Transport, reg *Registry) {
	t.RegisterHandler(ServiceName, MethodRootHash, func(_ context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req rootHashRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "merkle.RootHash", err)
		}
		return encodeGob(rootHashResponse{Hash: reg.TreeFor(req.Partition).RootHash()})
	})

	t.RegisterHandler(ServiceName, MethodChildren, func(_ context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req childrenRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "merkle.Children", err)
		}
		left, right := reg.TreeFor(req.Partition).Children(req.Node)
		return encodeGob(childrenResponse{Left: left, Right: right})
	})

	t.RegisterHandler(ServiceName, MethodBucket, func(_ context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req bucketRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, errors.New(errors.KindProtocol, "merkle.Bucket", err)
		}
		return encodeGob(bucketResponse{Items: reg.TreeFor(req.Partition).Bucket(req.Bucket)})
	})
}
