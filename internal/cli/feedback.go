package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "feedback [id]",
		Short: "Record whether a solution helped",
		Long:  "Helpful votes raise a solution slightly in search results; unhelpful votes lower it.",
		Args:  cobra.ExactArgs(1),
		Run:   runFeedback,
	}

	cmd.Flags().Bool("unhelpful", false, "The solution did not help")
	cmd.Flags().String("thread", "", "Thread the solution was offered in")

	RootCmd.AddCommand(cmd)
}

func runFeedback(cmd *cobra.Command, args []string) {
	unhelpful, _ := cmd.Flags().GetBool("unhelpful")
	thread, _ := cmd.Flags().GetString("thread")

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	rec, err := svc.Feedback(cmd.Context(), args[0], thread, !unhelpful)
	if err != nil {
		exitErr("feedback", err)
	}
	printJSON(rec)
}
