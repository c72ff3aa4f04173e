package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"scribevault/internal/dispatch"
)

func newSweepCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a periodic compaction sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cronExpr, _ := cmd.Flags().GetString("cron")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			s, err := storeFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			sched, err := dispatch.NewScheduler(logger)
			if err != nil {
				return err
			}
			if err := sched.ScheduleCompaction("container", cronExpr, s, timeout); err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			logger.Info("compaction sweep running", "cron", cronExpr, "path", containerPath(cmd))
			<-ctx.Done()
			logger.Info("compaction sweep stopping")
			return nil
		},
	}
	cmd.Flags().String("cron", "0 0 3 * * *", "sweep schedule (cron expression with seconds)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "per-sweep compaction timeout")
	return cmd
}
