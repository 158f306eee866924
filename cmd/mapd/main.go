// mapd is the real-time collaboration server for project task maps.
//
// It holds the authoritative node/edge graph per project, sequences
// concurrent mutations, and broadcasts accepted changes and cursor presence
// to every connected session over WebSockets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mapd",
	Short: "Real-time collaborative task map server",
	Long: `mapd serves the live collaboration layer of the task map: clients connect
over WebSockets, receive a full snapshot of their project's node/edge graph,
and then exchange incremental mutations and cursor positions.

Conflicting edits are resolved with optimistic concurrency: the first
mutation sequenced against a node revision wins, later writers are rejected
and handed the corrected state to rebase against.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
