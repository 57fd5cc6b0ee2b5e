package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "quicksave [thread]",
		Short: "Extract and store a thread's solution now",
		Long:  "Summarize a thread immediately and store its solution. The thread stays open.",
		Args:  cobra.ExactArgs(1),
		Run:   runQuickSave,
	}

	RootCmd.AddCommand(cmd)
}

func runQuickSave(cmd *cobra.Command, args []string) {
	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	res, err := svc.QuickSave(cmd.Context(), args[0])
	if err != nil {
		exitErr("quicksave", err)
	}
	printJSON(res)
}
