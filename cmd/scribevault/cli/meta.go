package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scribevault/internal/store"
)

func newMetaCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Read or update task metadata",
	}
	cmd.AddCommand(newMetaGetCmd(), newMetaSetCmd(logger))
	return cmd
}

func newMetaGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session> <task-type>",
		Short: "Print a task's metadata record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := store.ParseTaskType(args[1])
			if err != nil {
				return err
			}
			s, err := storeFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.GetMetadata(args[0], tt)
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			if p.format == "json" {
				return p.json(m)
			}
			pairs := [][2]string{
				{"status", string(m.Status)},
				{"total_chunks", strconv.Itoa(m.TotalChunks)},
				{"processed_chunks", strconv.Itoa(m.ProcessedChunks)},
				{"progress_percent", strconv.FormatFloat(m.ProgressPercent, 'f', -1, 64)},
			}
			if m.Error != "" {
				pairs = append(pairs, [2]string{"error", m.Error})
			}
			if !m.CreatedAt.IsZero() {
				pairs = append(pairs, [2]string{"created_at", m.CreatedAt.Format(time.RFC3339)})
			}
			if !m.UpdatedAt.IsZero() {
				pairs = append(pairs, [2]string{"updated_at", m.UpdatedAt.Format(time.RFC3339)})
			}
			for k, v := range m.Extra {
				pairs = append(pairs, [2]string{k, fmt.Sprint(v)})
			}
			p.kv(pairs)
			return nil
		},
	}
}

func newMetaSetCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "set <session> <task-type> <key=value>...",
		Short: "Merge fields into a task's metadata record",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := store.ParseTaskType(args[1])
			if err != nil {
				return err
			}
			partial := make(map[string]any, len(args)-2)
			for _, arg := range args[2:] {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				partial[key] = coerce(value)
			}

			s, err := storeFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.UpdateMetadata(args[0], tt, partial)
		},
	}
}

// coerce turns numeric-looking CLI values into numbers so the stored
// record matches what workers write.
func coerce(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
