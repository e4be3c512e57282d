// Command tapdiskd is the tapdisk worker process: it binds a control
// socket, announces it to the parent tapctl process via the inherited
// -addrfd pipe, and serves I/O requests against one VHD chain until
// closed.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/blktap/blktap/internal/addrfd"
	"github.com/blktap/blktap/internal/env"
	"github.com/blktap/blktap/internal/tapctl"
	"github.com/blktap/blktap/internal/tdiskd"
)

var controlDir = flag.String("control-dir", env.ControlRoot, "tapdisk control directory")

func main() {
	flag.Parse()

	pid := os.Getpid()
	addr := tapctl.ControlSocketPath(*controlDir, pid)

	s, err := tdiskd.Listen(addr, 0, log.New(os.Stderr, "tapdiskd: ", log.LstdFlags))
	if err != nil {
		log.Fatalf("tapdiskd: listen: %v", err)
	}

	// Announce readiness to the parent before serving: a successful read
	// of this line is the parent's signal that attach/open requests can
	// now be sent.
	addrfd.MustWrite(s.Addr())

	if err := s.Serve(); err != nil {
		log.Fatalf("tapdiskd: serve: %v", err)
	}
}
