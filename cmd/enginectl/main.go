// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// enginectl starts the tuple-store engine as a bare in-memory process:
// no cluster, no replication, no wire protocol — just the space cache,
// the stats registry, and the debug HTTP surface, the process-entry
// equivalent of secondary/cmd/indexer/main.go with everything
// cluster/storage-mode related stripped out.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/inmemdb/engine/internal/config"
	"github.com/inmemdb/engine/internal/engine"
	"github.com/inmemdb/engine/internal/httpdebug"
	_ "github.com/inmemdb/engine/internal/index/avl"
	_ "github.com/inmemdb/engine/internal/index/blackhole"
	_ "github.com/inmemdb/engine/internal/index/hash"
	_ "github.com/inmemdb/engine/internal/index/rtree"
	_ "github.com/inmemdb/engine/internal/index/tree"
	"github.com/inmemdb/engine/internal/logging"
	"github.com/inmemdb/engine/internal/metrics"
)

func main() {
	logging.Infof("enginectl started with command line: %v", os.Args)

	fset := flag.NewFlagSet("enginectl", flag.ExitOnError)
	logLevel := fset.String("loglevel", "Info", "Log Level - Silent, Fatal, Error, Warn, Info, Debug, Trace")
	configPath := fset.String("config", "", "path to a YAML config file overriding the defaults")
	httpAddr := fset.String("httpAddr", "", "debug/stats HTTP listen address (overrides config httpdebug.addr)")
	if err := fset.Parse(os.Args[1:]); err != nil {
		logging.Fatalf("parsing flags: %v", err)
		os.Exit(1)
	}

	setLogLevel(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatalf("loading config: %v", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg["httpdebug.addr"] = config.Value{Val: *httpAddr}
	}

	eng := engine.New(nil)
	reg := metrics.New()
	dumper := metrics.NewDumper(reg, eng.Cache, cfg.Duration("metrics.log_interval"))
	dumper.Start()
	defer dumper.Stop()

	dbg := httpdebug.New(cfg.String("httpdebug.addr"), eng, reg)
	if err := dbg.Start(); err != nil {
		logging.Fatalf("starting debug http server: %v", err)
		os.Exit(1)
	}
	defer dbg.Stop()

	logging.Infof("enginectl ready, debug surface on %s", cfg.String("httpdebug.addr"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Infof("enginectl exiting normally")
}

func setLogLevel(name string) {
	levels := map[string]logging.Level{
		"Silent": logging.Silent,
		"Fatal":  logging.Fatal,
		"Error":  logging.Error,
		"Warn":   logging.Warn,
		"Info":   logging.Info,
		"Debug":  logging.Debug,
		"Trace":  logging.Trace,
	}
	if l, ok := levels[name]; ok {
		logging.SetLevel(l)
		return
	}
	logging.Warnf("unrecognized loglevel %q, leaving at default", name)
}
