package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "audit [thread]",
		Short: "Show closure audit entries",
		Long:  "List no-solution, failure, merge and correction events, newest first. Without a thread id all threads are listed.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runAudit,
	}

	cmd.Flags().IntP("limit", "l", 50, "Max entries")

	RootCmd.AddCommand(cmd)
}

func runAudit(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	var threadID string
	if len(args) > 0 {
		threadID = args[0]
	}

	s, _ := openStore()
	defer s.Close()

	entries, err := s.AuditLog(cmd.Context(), threadID, limit)
	if err != nil {
		exitErr("audit", err)
	}
	if len(entries) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(entries)
}
