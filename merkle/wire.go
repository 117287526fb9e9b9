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
	"bytes"
	"encoding/gob"

	"github.com/latticedb/lattice/proto"
)

const (
	ServiceName     = "lattice.merkle"
	MethodRootHash  = "RootHash"
	MethodChildren  = "Children"
	MethodBucket    = "Bucket"
)

type rootHashRequest struct {
	Partition proto.PartitionID
}

type rootHashResponse struct {
	Hash [32]byte
}

type childrenRequest struct {
	Partition proto.PartitionID
	Node      int
}

type childrenResponse struct {
	Left, Right [32]byte
}

type bucketRequest struct {
	Partition proto.PartitionID
	Bucket    int
}

type bucketResponse struct {
	Items map[string][32]byte
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
