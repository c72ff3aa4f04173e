// Package cli implements the scribevault subcommand tree for inspecting
// and maintaining a task container file.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"scribevault/internal/store"
)

// NewRootCommands returns the subcommands operating on the container file
// named by the persistent --path flag.
func NewRootCommands(logger *slog.Logger) []*cobra.Command {
	return []*cobra.Command{
		newInspectCmd(),
		newTasksCmd(),
		newMetaCmd(logger),
		newTranscriptCmd(),
		newCompactCmd(logger),
		newSweepCmd(logger),
		newEncryptCmd(logger),
	}
}

// storeFromCmd opens the task store at the --path flag. Read commands
// never take the writer lock: the store only locks the container on the
// first write.
func storeFromCmd(cmd *cobra.Command, logger *slog.Logger) (*store.Store, error) {
	path, _ := cmd.Flags().GetString("path")
	return store.New(store.Config{Path: path, Logger: logger})
}

func containerPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("path")
	return path
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
