package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"scribevault/internal/container"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the datasets in a container file",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")

			path := containerPath(cmd)
			snap, err := container.OpenSnapshot(path)
			if err != nil {
				return err
			}
			defer snap.Close()

			keys := snap.Keys(prefix)
			p := newPrinter(outputFormat(cmd))
			if p.format == "json" {
				return p.json(keys)
			}

			var rows [][]string
			var total int
			for _, key := range keys {
				data, err := snap.Get(key)
				if err != nil {
					return err
				}
				total += len(data)
				rows = append(rows, []string{key, strconv.Itoa(len(data))})
			}
			p.table([]string{"PATH", "BYTES"}, rows)

			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			fmt.Printf("\n%d datasets, %d live bytes, %d on disk\n", len(keys), total, info.Size())
			return nil
		},
	}
	cmd.Flags().String("prefix", "", "only list datasets under this path prefix")
	return cmd
}
