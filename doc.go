/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# lattice: a geo-distributed object-store core

## Why trade consistency for availability?

Lattice clusters span sites connected by slow, lossy links. Multi-key
transactions and strict linearizability do not survive a partitioned
WAN; quorum reads/writes over CRDT-merged values do.

## Data model

* Node, a stable identity with a zone, a capacity weight, and a
  membership state.

* Layout, a versioned mapping from partition to an ordered list of
  replica nodes, computed from the declared zones and weights.

* Table, a partitioned key/value space where the value type is a
  bounded join-semilattice: concurrent writes merge instead of
  conflicting.

* Partition, one of P equally sized shards of the partition-key hash
  space; the unit of placement, replication, and anti-entropy.

## Architecture

A lattice node runs every role: it routes requests for any partition
(layout/router), owns the partitions the layout assigns to it
(table.Replica), and reconciles them against peers in the background
(merkle.Syncer). There is no separate master; the layout itself is a
CRDT gossiped between nodes, computed deterministically from
administrator-staged role changes.

### Replication

quorum reads/writes over R replicas, CRDT merge, no consensus on data

### Storage

each table column family lives in one embedded ordered KV engine

### Anti-entropy

background Merkle-tree comparison and repair between replica pairs

## Building blocks

* gRPC
* gorocksdb
* Prometheus
* golang.org/x/sync, golang.org/x/time

*/

package lattice
