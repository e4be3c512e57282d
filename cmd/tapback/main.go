// Command tapback is the Xenbus-driven backend orchestrator: it watches
// the config store for VBD bring-up/tear-down requests and drives each
// one's channel state machine, constructing exactly one
// *backend.Orchestrator in main with no package-level mutable state.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/blktap/blktap"
	"github.com/blktap/blktap/internal/backend"
	"github.com/blktap/blktap/internal/backend/storetest"
	"github.com/blktap/blktap/internal/env"
	"github.com/blktap/blktap/internal/oninterrupt"
	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/trace"
)

var (
	backendName = flag.String("backend", "vbd", "backend device class name")
	controlDir  = flag.String("control-dir", env.ControlRoot, "tapdisk control directory")
	ctracefile  = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "tapback: ", log.LstdFlags)

	ctx, canc := blktap.InterruptibleContext()
	oninterrupt.Register(canc)

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			logger.Fatalf("ctracefile: %v", err)
		}
		trace.Sink(f)
		go trace.CPUEvents(ctx, 1*time.Second)
		go trace.MemEvents(ctx, 1*time.Second)
	}

	// storetest's in-memory Store drives the same event loop a real
	// config-store transport would; a production build substitutes a
	// real Store without touching Orchestrator itself.
	store := storetest.New()

	lc, err := tapctl.NewLifecycle(*controlDir, tapctl.NewUnixKernelDevice(""))
	if err != nil {
		logger.Fatalf("%v", err)
	}
	reg := tapctl.NewRegistry(*controlDir)
	go func() {
		// Keeps the registry's kernel-minor cache fresh between polls;
		// the glob fallback remains authoritative if the netlink socket
		// cannot be opened (e.g. in a container).
		if err := reg.WatchUevents(); err != nil {
			logger.Printf("uevent watch: %v", err)
		}
	}()

	o := backend.NewOrchestrator(*backendName, store, lc, reg, logger)

	if err := o.Run(ctx); err != nil {
		logger.Fatalf("run: %v", err)
	}

	if err := blktap.RunAtExit(); err != nil {
		logger.Fatalf("%v", err)
	}
}
