package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Find solutions for an ongoing thread",
		Long:  "Use the most recent messages of a thread as the query and rank stored solutions against them.",
		Run:   runFetch,
	}

	cmd.Flags().StringP("thread", "t", "", "Thread id (required)")
	cmd.Flags().IntP("limit", "l", 0, "Max results (default: retrieval.max_results)")

	cmd.MarkFlagRequired("thread")

	RootCmd.AddCommand(cmd)
}

func runFetch(cmd *cobra.Command, args []string) {
	threadID, _ := cmd.Flags().GetString("thread")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	res, err := svc.FetchInThread(cmd.Context(), threadID, limit)
	if err != nil {
		exitErr("fetch", err)
	}
	if len(res.Matches) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(res.Matches)
}
