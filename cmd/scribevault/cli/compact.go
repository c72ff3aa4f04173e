package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newCompactCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the container with only live datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := containerPath(cmd)
			before, err := os.Stat(path)
			if err != nil {
				return err
			}

			s, err := storeFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Compact(cmd.Context()); err != nil {
				return err
			}

			after, err := os.Stat(path)
			if err != nil {
				return err
			}
			fmt.Printf("compacted %s: %d -> %d bytes\n", path, before.Size(), after.Size())
			return nil
		},
	}
}
