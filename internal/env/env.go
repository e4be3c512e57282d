// Package env captures details about the blktap environment: where the
// control directory lives when the caller has not overridden it with an
// explicit flag. Inspect the resolved value with `tapctl -help` (its
// default shows the outcome of findControlRoot()).
package env

import (
	"os"

	"github.com/blktap/blktap/internal/tapctl"
)

// ControlRoot is the default of every command's -control-dir flag: the
// BLKTAP_CONTROL_ROOT
// environment variable overrides tapctl.DefaultControlDir.
var ControlRoot = findControlRoot()

func findControlRoot() string {
	if v := os.Getenv("BLKTAP_CONTROL_ROOT"); v != "" {
		return v
	}
	return tapctl.DefaultControlDir
}
