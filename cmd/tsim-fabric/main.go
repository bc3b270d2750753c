// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

// Command tsim-fabric is the privileged helper that realizes a fleet's
// router namespaces, bridges, veths, and WireGuard tunnels in the kernel
// (live-simulation mode), or tears them back down. It is invoked once at
// deployment time, separately from tsimd's own always-running process, so
// the namespace fabric's lifetime isn't tied to the daemon restarting; both
// share the same /tsim_registry segment (internal/registry) so the router
// short codes tsim-fabric assigns match the codes tsimd computes for the
// same fleet.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/fabric"
	"grimm.is/tsim/internal/linuxops"
	"grimm.is/tsim/internal/logging"
	"grimm.is/tsim/internal/registry"
	"grimm.is/tsim/internal/tsimconfig"
	"grimm.is/tsim/internal/vpntunnel"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 || (args[0] != "up" && args[0] != "down") {
		log.Fatal("usage: tsim-fabric [-config path] up|down")
	}

	cfg, err := tsimconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.SetDefault(logging.New(logging.DefaultConfig()))

	fleet, err := facts.LoadFleet(cfg.FactsDir)
	if err != nil {
		log.Fatalf("load facts: %v", err)
	}

	reg, err := registry.NewShared()
	if err != nil {
		log.Fatalf("open shared registry: %v", err)
	}
	if closer, ok := reg.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	fab := fabric.New(fleet, linuxops.NewReal(), reg, vpntunnel.NewReal())

	ctx := context.Background()
	switch args[0] {
	case "up":
		if err := fab.SetupFabric(ctx); err != nil {
			log.Fatalf("setup fabric: %v", err)
		}
		log.Println("fabric up")
	case "down":
		if err := fab.TeardownFabric(ctx); err != nil {
			log.Fatalf("teardown fabric: %v", err)
		}
		if err := registry.Unlink(); err != nil {
			log.Printf("unlink shared registry: %v", err)
		}
		log.Println("fabric down")
	}
	os.Exit(0)
}
