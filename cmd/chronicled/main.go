// Command chronicled runs the Chronicle durable write-through cache pipeline:
// the WAL, the process-wide cache, the producer path's submission surface,
// and the applier draining committed batches into their target databases.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chronicled",
		Short: "Chronicle durable write-through cache daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "chronicle.yaml", "path to chronicle.yaml")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVerifyWALCmd(&configPath))
	root.AddCommand(newReplayCmd(&configPath))
	return root
}
