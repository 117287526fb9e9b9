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

// Command latticed runs one cluster node: it serves every role at
// once (router, table replica owner, anti-entropy syncer) the way
// spec.md §9 describes — there is no separate master.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/jacobsa/daemonize"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/latticedb/lattice/config"
	"github.com/latticedb/lattice/server"
)

const daemonizedEnv = "LATTICED_DAEMONIZED"

// Config is the JSON file latticed loads at startup (`-f path`,
// defaulting to latticed.json in the working directory).
type Config struct {
	server.Config

	HTTPAddr      string    `json:"http_addr"`
	LogLevel      log.Level `json:"log_level"`
	MaxProcessors int       `json:"max_processors"`
	Daemonize     bool      `json:"daemonize"`
}

func main() {
	cfg := &Config{}
	if err := config.Load("f", "latticed.json", cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	log.SetOutputLevel(cfg.LogLevel)

	if cfg.Daemonize && os.Getenv(daemonizedEnv) == "" {
		daemonizeSelf()
		return
	}

	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.Addr == "" {
		log.Fatal("node config: addr must be set")
	}

	srv, err := server.NewServer(cfg.Config)
	if err != nil {
		log.Fatalf("server.NewServer: %s", errors.Detail(err))
	}

	httpServer := server.NewHttpServer()
	if cfg.HTTPAddr != "" {
		httpServer.Serve(cfg.HTTPAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-ch:
		log.Info("latticed: shutting down")
	case err := <-runErr:
		log.Errorf("latticed: transport exited: %s", err)
	}

	cancel()
	httpServer.Stop()
	if err := srv.Close(); err != nil {
		log.Errorf("latticed: close: %s", err)
	}
}

// daemonizeSelf re-execs the current binary detached from the
// terminal so --daemonize backgrounds the node process.
func daemonizeSelf() {
	path, err := os.Executable()
	if err != nil {
		log.Fatalf("daemonize: %s", err)
	}
	env := append(os.Environ(), daemonizedEnv+"=1")
	if err := daemonize.Run(path, os.Args[1:], env, os.Stdout); err != nil {
		log.Fatalf("daemonize: %s", err)
	}
}
