// Command imcore is the instruction-memory core: an event-sourced
// pipeline that promotes proposed knowledge items through a policy
// gate into versioned namespaced state, projects the resulting deltas
// into a queryable view, and replays the log to prove the projection.
package main

import (
	"fmt"
	"os"

	"github.com/provenir/imcore/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
