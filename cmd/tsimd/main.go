// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tsimd is the scheduler plus HTTP front door daemon: it owns
// the job queue, runs the leader-elected dispatch loop, and serves the
// job-submission/progress/report HTTP surface. Exactly one instance in a
// fleet of tsimd processes sharing a data_dir is ever driving the queue at
// a time; the rest sit parked in leader election (internal/scheduler).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/tsim/internal/api"
	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/fabric"
	"grimm.is/tsim/internal/hostregistry"
	"grimm.is/tsim/internal/linuxops"
	"grimm.is/tsim/internal/logging"
	"grimm.is/tsim/internal/orchestrator"
	"grimm.is/tsim/internal/progress"
	"grimm.is/tsim/internal/registry"
	"grimm.is/tsim/internal/scheduler"
	"grimm.is/tsim/internal/svcrunner"
	"grimm.is/tsim/internal/tsimconfig"
	"grimm.is/tsim/internal/vpntunnel"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	live := flag.Bool("live", false, "Run in live namespace-simulation mode instead of pure symbolic mode")
	flag.Parse()

	cfg, err := tsimconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.SetDefault(logging.New(logging.DefaultConfig()))
	if err := run(cfg, *live); err != nil {
		log.Fatalf("tsimd: %v", err)
	}
}

func run(cfg tsimconfig.Config, live bool) error {
	fleet, err := facts.LoadFleet(cfg.FactsDir)
	if err != nil {
		return err
	}

	reg, err := registry.NewShared()
	if err != nil {
		log.Printf("shared registry unavailable (%v), falling back to in-process registry", err)
		reg = registry.New()
	}

	ops, tunnels := buildCapabilities(live)

	fab := fabric.New(fleet, ops, reg, tunnels)
	hosts := hostregistry.New(fab)
	svc := svcrunner.New(ops, fab)

	attach := func(ip string) (string, int, error) {
		router, iface, ok := fleet.OwnerOfIP(ip)
		if !ok {
			return "", 0, orchestrator.ErrUnresolvedAttachRouter
		}
		prefix := 24
		if r, ok := fleet.Routers[router]; ok {
			for _, i := range r.Interfaces {
				if i.Name == iface && len(i.Addresses) > 0 {
					prefix = i.Addresses[0].Prefix
				}
			}
		}
		return router, prefix, nil
	}

	orch := orchestrator.New(fleet, hosts, svc, attach)

	queue, err := scheduler.NewQueue(cfg.DataDir)
	if err != nil {
		return err
	}
	leader, err := scheduler.NewLeaderElector(cfg.LockDir)
	if err != nil {
		return err
	}
	routers, err := scheduler.NewRouterLocks(cfg.LockDir)
	if err != nil {
		return err
	}
	tracker, err := progress.New(cfg.DataDir)
	if err != nil {
		return err
	}

	sched := scheduler.New(queue, orch, leader, routers, tracker, cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	apiServer := api.NewServer(queue, cfg.DataDir)
	httpSrv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: apiServer,
	}

	log.Printf("tsimd listening on %s (live=%v)", cfg.API.ListenAddr, live)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-stop
	log.Println("shutting down tsimd...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildCapabilities picks the Real or Mock LinuxOps/Tunneler pair. Live mode
// backs the fabric with actual kernel namespaces and WireGuard devices;
// symbolic mode (the default) never touches the kernel, matching pure
// reachability simulation.
func buildCapabilities(live bool) (linuxops.LinuxOps, vpntunnel.Tunneler) {
	if live {
		return linuxops.NewReal(), vpntunnel.NewReal()
	}
	return linuxops.NewMock(), vpntunnel.NewMock()
}
