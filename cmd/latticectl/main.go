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

// Command latticectl is the operator tool of spec.md §6: it stages
// role changes, triggers "apply", inspects the current layout, and
// forces a repair pass, all by calling one node's AdminService over
// the same rpc.Transport every other service rides.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/latticedb/lattice/config"
	"github.com/latticedb/lattice/discovery"
	"github.com/latticedb/lattice/errors"
	"github.com/latticedb/lattice/layout/manager"
	"github.com/latticedb/lattice/proto"
	"github.com/latticedb/lattice/rpc"
	"github.com/latticedb/lattice/server"
)

// Exit codes per spec.md §6.
const (
	exitOK                = 0
	exitInvalidArgument   = 2
	exitQuorumFailure     = 3
	exitInfeasibleLayout  = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitInvalidArgument
	}

	global := flag.NewFlagSet("latticectl", flag.ContinueOnError)
	addr := global.String("addr", "127.0.0.1:7700", "address of the node to talk to")
	nodeHex := global.String("node", "", "hex node id of the node at -addr")
	keyHex := global.String("key", "", "hex cluster key")
	timeout := global.Duration("timeout", 10*time.Second, "RPC deadline")

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "layout":
		return layoutCmd(global, addr, nodeHex, keyHex, timeout, rest)
	case "repair":
		return repairCmd(global, addr, nodeHex, keyHex, timeout, rest)
	default:
		usage()
		return exitInvalidArgument
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  latticectl layout show [-addr host:port -node hex -key hex]
  latticectl layout assign <node-hex> -z zone -c capacity [-tag t] [-delete]
  latticectl layout assign -file roles.yaml
  latticectl layout apply [--version N]
  latticectl repair -table T`)
}

func dial(addr, nodeHex, keyHex string) (server.AdminClient, error) {
	var node proto.NodeID
	if nodeHex != "" {
		b, err := hex.DecodeString(nodeHex)
		if err != nil || len(b) != len(node) {
			return server.AdminClient{}, errors.New(errors.KindInvalidArgument, "dial", fmt.Errorf("-node must be %d hex bytes", len(node)))
		}
		copy(node[:], b)
	}
	var key []byte
	if keyHex != "" {
		k, err := hex.DecodeString(keyHex)
		if err != nil {
			return server.AdminClient{}, errors.New(errors.KindInvalidArgument, "dial", fmt.Errorf("-key must be hex: %w", err))
		}
		key = k
	}
	dir := discovery.NewStatic()
	dir.Advertise(node, addr)
	t := rpc.NewTransport(rpc.Config{ClusterKey: rpc.ClusterKey(key), Resolver: dir})
	return server.AdminClient{Transport: t, Node: node}, nil
}

func layoutCmd(global *flag.FlagSet, addr, nodeHex, keyHex *string, timeout *time.Duration, args []string) int {
	if len(args) < 1 {
		usage()
		return exitInvalidArgument
	}
	switch args[0] {
	case "show":
		return layoutShow(global, addr, nodeHex, keyHex, timeout, args[1:])
	case "assign":
		return layoutAssign(global, addr, nodeHex, keyHex, timeout, args[1:])
	case "apply":
		return layoutApply(global, addr, nodeHex, keyHex, timeout, args[1:])
	default:
		usage()
		return exitInvalidArgument
	}
}

func layoutShow(global *flag.FlagSet, addr, nodeHex, keyHex *string, timeout *time.Duration, args []string) int {
	fs := flag.NewFlagSet("layout show", flag.ContinueOnError)
	if err := parseAll(fs, global, args); err != nil {
		return exitInvalidArgument
	}
	c, err := dial(*addr, *nodeHex, *keyHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgument
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	l, err := c.Layout(ctx)
	if err != nil {
		return reportErr(err)
	}
	if l == nil {
		fmt.Println("no layout applied yet")
		return exitOK
	}
	fmt.Printf("version=%d R=%d P=%d nodes=%d\n", l.Version, l.R, l.P, len(l.Nodes))
	counts := l.SlotCounts()
	for id, n := range l.Nodes {
		fmt.Printf("  %s zone=%s capacity=%d slots=%d\n", id, n.Zone, n.Capacity, counts[id])
	}
	return exitOK
}

func layoutAssign(global *flag.FlagSet, addr, nodeHex, keyHex *string, timeout *time.Duration, args []string) int {
	fs := flag.NewFlagSet("layout assign", flag.ContinueOnError)
	zone := fs.String("z", "", "zone")
	capacity := fs.Uint64("c", 0, "capacity weight")
	tag := fs.String("tag", "", "human tag")
	deleted := fs.Bool("delete", false, "mark this node removed")
	file := fs.String("file", "", "YAML role sheet to apply in bulk")
	if err := parseAll(fs, global, args); err != nil {
		return exitInvalidArgument
	}

	c, err := dial(*addr, *nodeHex, *keyHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgument
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *file != "" {
		sheet, err := config.LoadRoleSheet(*file)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInvalidArgument
		}
		for _, e := range sheet.Roles {
			rc, err := roleFromEntry(e)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return exitInvalidArgument
			}
			if err := c.StageRole(ctx, rc); err != nil {
				return reportErr(err)
			}
		}
		return exitOK
	}

	if fs.NArg() != 1 {
		usage()
		return exitInvalidArgument
	}
	target, err := decodeNodeArg(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgument
	}
	rc := manager.RoleChange{
		Node: target, Seq: uint64(time.Now().UnixNano()),
		Zone: *zone, Capacity: *capacity, Tag: *tag, Deleted: *deleted,
	}
	if err := c.StageRole(ctx, rc); err != nil {
		return reportErr(err)
	}
	fmt.Println("staged")
	return exitOK
}

func layoutApply(global *flag.FlagSet, addr, nodeHex, keyHex *string, timeout *time.Duration, args []string) int {
	fs := flag.NewFlagSet("layout apply", flag.ContinueOnError)
	version := fs.Uint64("version", 0, "expected resulting version (informational)")
	if err := parseAll(fs, global, args); err != nil {
		return exitInvalidArgument
	}
	c, err := dial(*addr, *nodeHex, *keyHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgument
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	l, err := c.ApplyLayout(ctx)
	if err != nil {
		return reportErr(err)
	}
	if *version != 0 && l.Version != *version {
		fmt.Fprintf(os.Stderr, "warning: applied version %d, expected %d\n", l.Version, *version)
	}
	fmt.Printf("applied version=%d\n", l.Version)
	return exitOK
}

func repairCmd(global *flag.FlagSet, addr, nodeHex, keyHex *string, timeout *time.Duration, args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	table := fs.String("table", "", "table to repair")
	if err := parseAll(fs, global, args); err != nil {
		return exitInvalidArgument
	}
	if *table == "" {
		fmt.Fprintln(os.Stderr, "repair requires -table")
		return exitInvalidArgument
	}
	c, err := dial(*addr, *nodeHex, *keyHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgument
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := c.Repair(ctx, *table); err != nil {
		return reportErr(err)
	}
	fmt.Println("repair triggered")
	return exitOK
}

// parseAll lets each subcommand accept the global -addr/-node/-key/-timeout
// flags interspersed with its own, since flag.FlagSet doesn't merge sets.
func parseAll(fs *flag.FlagSet, global *flag.FlagSet, args []string) error {
	global.VisitAll(func(f *flag.Flag) {
		fs.Var(f.Value, f.Name, f.Usage)
	})
	return fs.Parse(args)
}

func decodeNodeArg(s string) (proto.NodeID, error) {
	var id proto.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("node id must be %d hex bytes, got %q", len(id), s)
	}
	copy(id[:], b)
	return id, nil
}

func roleFromEntry(e config.RoleEntry) (manager.RoleChange, error) {
	node, err := decodeNodeArg(e.Node)
	if err != nil {
		return manager.RoleChange{}, err
	}
	return manager.RoleChange{
		Node: node, Seq: uint64(time.Now().UnixNano()),
		Zone: e.Zone, Capacity: e.Capacity, Tag: e.Tag, Deleted: e.Deleted,
	}, nil
}

// reportErr prints err and maps it to spec.md §6's exit codes.
func reportErr(err error) int {
	fmt.Fprintln(os.Stderr, err)
	switch errors.KindOf(err) {
	case errors.KindQuorumFailed, errors.KindTimeout:
		return exitQuorumFailure
	case errors.KindInfeasibleLayout:
		return exitInfeasibleLayout
	case errors.KindInvalidArgument:
		return exitInvalidArgument
	default:
		return 1
	}
}
