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
	"bytes"
	"encoding/gob"

	"github.com/latticedb/lattice/proto"
)

// Wire messages for the lattice.table RPC service. Values travel as
// their own MarshalBinary encoding rather than as gob-encoded
// interfaces, so the wire format never depends on which concrete Value
// type a table happens to use.

const (
	ServiceName   = "lattice.table"
	MethodInsert  = "Insert"
	MethodGet     = "Get"
	MethodGetRange = "GetRange"
)

type insertRequest struct {
	Partition proto.PartitionID
	PK, SK    []byte
	Value     []byte
}

type insertResponse struct{}

type getRequest struct {
	Partition proto.PartitionID
	PK, SK    []byte
}

type getResponse struct {
	Found bool
	Value []byte
}

type getRangeRequest struct {
	Partition  proto.PartitionID
	PK         []byte
	Start, End []byte
	Limit      int
}

type wireItem struct {
	SK    []byte
	Value []byte
}

type getRangeResponse struct {
	Items []wireItem
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
