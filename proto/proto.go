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

// Package proto holds the wire-level identifiers shared across every
// lattice package: node ids, partition ids, layout versions.
package proto

const (
	ReqIdKey = "req-id"

	// PartitionBits is B in spec terms: P = 2^PartitionBits partitions.
	PartitionBits = 8
	PartitionCount = 1 << PartitionBits

	DefaultReplicationFactor = 3
	DefaultWriteQuorum       = 2
	DefaultReadQuorum        = 2

	// TombstoneGracePeriodHours is G in hours, the anti-entropy grace period after which
	// a confirmed tombstone may be garbage collected.
	TombstoneGracePeriodHours = 24
)

type (
	PartitionID  = uint16
	LayoutVersion = uint64
)
