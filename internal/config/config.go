// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package config carries engine-wide tunables: builder yield_every,
// VM progress callback cadence, slab page size, and so on. Modeled on
// the teacher's indexer.settings.go, minus the cluster metakv plumbing
// (there is no cluster here) — loaded from a local YAML file instead.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Value is a single typed setting, the way common.Config entries carry
// a default, a description and the live value together.
type Value struct {
	Val    interface{} `yaml:"value"`
	Help   string      `yaml:"-"`
	Dyn    bool        `yaml:"-"` // can change without restart
}

// Config is a flat, dotted-key settings map (e.g. "builder.yield_every").
type Config map[string]Value

func Default() Config {
	return Config{
		"builder.yield_every":        {Val: 200, Help: "scan rows between index-build yields", Dyn: true},
		"builder.need_wal_sync":      {Val: true, Help: "flush journal before starting a build scan"},
		"vm.progress_callback_every": {Val: 1000, Help: "opcodes between progress-callback checks", Dyn: true},
		"vm.progress_rate_per_sec":   {Val: 50, Help: "max progress callbacks per second", Dyn: true},
		"vm.string_limit_bytes":      {Val: 1 << 20, Help: "TooBig threshold for String/Blob registers"},
		"index.tree.page_size":       {Val: 8192, Help: "TreeIndex slab page size in bytes"},
		"index.tree.slab_chunk":      {Val: 64, Help: "TreeIndex slab starting chunk size"},
		"metrics.log_interval":       {Val: 10 * time.Second, Help: "logstats flush interval"},
		"httpdebug.addr":             {Val: ":9199", Help: "debug/stats HTTP listen address"},
	}
}

func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var overrides map[string]interface{}
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	for k, v := range overrides {
		entry := c[k]
		entry.Val = v
		c[k] = entry
	}
	return c, nil
}

func (c Config) Int(key string) int {
	switch v := c[key].Val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (c Config) Bool(key string) bool {
	v, _ := c[key].Val.(bool)
	return v
}

func (c Config) String(key string) string {
	v, _ := c[key].Val.(string)
	return v
}

func (c Config) Duration(key string) time.Duration {
	switch v := c[key].Val.(type) {
	case time.Duration:
		return v
	case string:
		d, _ := time.ParseDuration(v)
		return d
	}
	return 0
}

// SectionConfig returns the subset of keys with the given dotted prefix,
// mirroring common.Config.SectionConfig used throughout the teacher.
func (c Config) SectionConfig(prefix string) Config {
	out := make(Config)
	for k, v := range c {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out
}

func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
