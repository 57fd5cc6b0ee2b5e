package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/closure"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one closure cycle",
		Long:  "Mark idle threads pending, finalize pending threads and archive old closed ones, then exit.",
		Run:   runSweep,
	}

	RootCmd.AddCommand(cmd)
}

type sweepReport struct {
	Pending   int                    `json:"pending"`
	Finalized closure.FinalizeReport `json:"finalized"`
	Archived  int                    `json:"archived"`
}

func runSweep(cmd *cobra.Command, args []string) {
	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	ctx := cmd.Context()
	now := svc.Tracker.Clock().Now()

	var r sweepReport
	var err error
	if r.Pending, err = svc.Scheduler.Sweep(ctx, now); err != nil {
		exitErr("sweep", err)
	}
	if r.Finalized, err = svc.Scheduler.Finalize(ctx); err != nil {
		exitErr("finalize", err)
	}
	if r.Archived, err = svc.Scheduler.Archive(ctx, now); err != nil {
		exitErr("archive", err)
	}
	printJSON(r)
}
