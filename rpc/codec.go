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

// Package rpc implements the transport lattice's core components consume:
// authenticated, point-to-point, length-prefixed messages between cluster
// nodes, built on gRPC. Payloads are generic CRDT values rather than a
// fixed schema, so the wire codec is gob, not protobuf: registered with
// gRPC's content-subtype negotiation instead of generated stubs.
package rpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Envelope is the single message type lattice's gRPC service exchanges;
// Service/Method pick the registered application handler, ClusterMAC
// authenticates the sender, and Payload carries the gob-encoded request
// or response of that handler.
type Envelope struct {
	ReqID      string
	Service    string
	Method     string
	LayoutVer  uint64
	ClusterMAC []byte
	Payload    []byte
	Err        string
}
