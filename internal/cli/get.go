package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Retrieve a solution",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("history", false, "Return every revision (newest first)")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	history, _ := cmd.Flags().GetBool("history")

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	if history {
		recs, err := svc.Memory.History(cmd.Context(), args[0])
		if err != nil {
			exitErr("get", err)
		}
		printJSON(recs)
		return
	}

	rec, err := svc.Memory.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printJSON(rec)
}
