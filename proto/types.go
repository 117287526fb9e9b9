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

package proto

// ReplicaRef names one replica of a partition and whether it is
// catching up: assigned by the layout version being adopted and absent
// from the one being phased out.
type ReplicaRef struct {
	Node      NodeID
	CatchingUp bool
}

// PartitionStatus is the operator-facing view of one partition,
// returned by partition_status(p).
type PartitionStatus struct {
	Partition    PartitionID
	Replicas     []NodeID
	SyncLag      map[NodeID]int64 // Merkle mismatch count per peer
	LastSyncedAt map[NodeID]int64 // unix nanos per peer
}
