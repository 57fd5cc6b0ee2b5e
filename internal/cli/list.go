package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active solutions",
		Run:   runList,
	}

	cmd.Flags().StringP("tag", "t", "", "Only solutions carrying this tag")
	cmd.Flags().IntP("limit", "l", 50, "Max results")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	tag, _ := cmd.Flags().GetString("tag")
	limit, _ := cmd.Flags().GetInt("limit")

	if tag == "" {
		s, _ := openStore()
		defer s.Close()
		recs, err := s.ActiveSolutions(cmd.Context())
		if err != nil {
			exitErr("list", err)
		}
		if limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}
		printList(recs)
		return
	}

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	var recs []model.SolutionRecord
	for rec, err := range svc.Memory.AllWithTag(cmd.Context(), tag) {
		if err != nil {
			exitErr("list", err)
		}
		recs = append(recs, rec)
		if limit > 0 && len(recs) >= limit {
			break
		}
	}
	printList(recs)
}

func printList(recs []model.SolutionRecord) {
	if len(recs) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(recs)
}
