package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/support-memory/internal/app"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process gateway events from stdin",
		Long: "Read newline-delimited JSON events (message_appended, thread_opened, search, fetch, quick_save) " +
			"from stdin and write results, suggestions and expert routing signals to stdout. " +
			"The closure scheduler runs in the background until stdin closes.",
		Run: runServe,
	}

	cmd.Flags().Bool("no-scheduler", false, "Do not run the closure scheduler")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	ctx := cmd.Context()

	enc := app.NewEncoder(os.Stdout)
	svc, log := openService(cmd, app.WithSink(enc))
	defer log.Sync()
	defer svc.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if !noScheduler {
		g.Go(func() error {
			if err := svc.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		// EOF on stdin ends the session.
		defer cancel()
		if err := svc.Serve(gctx, os.Stdin, enc); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	log.Info("serving", "db", svc.Config.DBPath, "scheduler", !noScheduler)
	if err := g.Wait(); err != nil {
		exitErr("serve", err)
	}
}
