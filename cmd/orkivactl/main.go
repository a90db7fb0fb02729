// Orkivactl is the operator CLI for the orkiva supervisor: it inspects
// thread state and trigger history, and escalates, unblocks, or force-closes
// threads the daemon is stuck on, reading and writing the same SQLite store
// orkivad drives.
package main

import (
	"os"
	"runtime/debug"

	"github.com/dotcommander/orkiva/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := commands.Execute(version); err != nil {
		if commands.IsUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
