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

// Package config loads a node's JSON config file from a flag-selected
// path, falling back to a default file name, and separately loads the
// YAML role sheet latticectl accepts for bulk "layout assign" edits.
package config

import (
	"os"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"gopkg.in/yaml.v3"
)

// Load parses the node's JSON config file into out, registering flag as
// the command-line flag an operator uses to point at a non-default
// path (e.g. `-f path/to/server.json`).
func Load(flag, defaultFile string, out interface{}) error {
	config.Init(flag, "", defaultFile)
	return config.Load(out)
}

// RoleEntry is one node's staged attributes as written by an operator
// into a role sheet consumed by `latticectl layout assign --file`.
type RoleEntry struct {
	Node     string `yaml:"node"`
	Zone     string `yaml:"zone"`
	Capacity uint64 `yaml:"capacity"`
	Tag      string `yaml:"tag"`
	Deleted  bool   `yaml:"deleted,omitempty"`
}

// RoleSheet is a batch of role edits an operator can apply in one
// "layout assign" invocation instead of one flag set per node.
type RoleSheet struct {
	Roles []RoleEntry `yaml:"roles"`
}

// LoadRoleSheet reads and parses a YAML role sheet from path.
func LoadRoleSheet(path string) (RoleSheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RoleSheet{}, err
	}
	var sheet RoleSheet
	if err := yaml.Unmarshal(data, &sheet); err != nil {
		return RoleSheet{}, err
	}
	return sheet, nil
}
