package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"scribevault/internal/store"
)

func newTranscriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript <session>",
		Short: "Print a session's assembled transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskFlag, _ := cmd.Flags().GetString("task")
			tt, err := store.ParseTaskType(taskFlag)
			if err != nil {
				return err
			}

			s, err := storeFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			text, err := s.Transcript(args[0], tt)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
	cmd.Flags().String("task", string(store.TaskTranscription), "task type to read chunks from")
	return cmd
}
