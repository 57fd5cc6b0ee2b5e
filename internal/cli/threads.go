package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List tracked threads",
		Run:   runThreads,
	}

	cmd.Flags().String("state", "", "Filter by state: OPEN, PENDING_CLOSURE, CLOSED, ARCHIVED")
	cmd.Flags().IntP("limit", "l", 100, "Max results")

	RootCmd.AddCommand(cmd)
}

func runThreads(cmd *cobra.Command, args []string) {
	stateStr, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")

	state := model.ThreadState(strings.ToUpper(strings.TrimSpace(stateStr)))
	if state != "" && !model.ValidStates[state] {
		exitErr("threads", fmt.Errorf("invalid state %q", stateStr))
	}

	s, _ := openStore()
	defer s.Close()

	threads, err := s.ListThreads(cmd.Context(), store.ListThreadsParams{State: state, Limit: limit})
	if err != nil {
		exitErr("threads", err)
	}
	if len(threads) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(threads)
}
