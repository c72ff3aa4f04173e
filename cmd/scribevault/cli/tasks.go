package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"scribevault/internal/store"
)

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List every session's tasks and their lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := storeFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			sessions, err := s.Sessions()
			if err != nil {
				return err
			}

			type taskRow struct {
				Session  string         `json:"session"`
				Task     store.TaskType `json:"task"`
				Metadata store.Metadata `json:"metadata"`
			}
			var tasks []taskRow
			for _, session := range sessions {
				types, err := s.ListTaskTypes(session)
				if err != nil {
					return err
				}
				for _, tt := range types {
					m, err := s.GetMetadata(session, tt)
					if err != nil {
						return err
					}
					tasks = append(tasks, taskRow{Session: session, Task: tt, Metadata: m})
				}
			}

			p := newPrinter(outputFormat(cmd))
			if p.format == "json" {
				return p.json(tasks)
			}
			var rows [][]string
			for _, t := range tasks {
				rows = append(rows, []string{
					t.Session,
					t.Task.String(),
					string(t.Metadata.Status),
					fmt.Sprintf("%.0f%%", t.Metadata.ProgressPercent),
					strconv.Itoa(t.Metadata.ProcessedChunks) + "/" + strconv.Itoa(t.Metadata.TotalChunks),
				})
			}
			p.table([]string{"SESSION", "TASK", "STATUS", "PROGRESS", "CHUNKS"}, rows)
			return nil
		},
	}
}
