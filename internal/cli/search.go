package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search past solutions",
		Long:  "Rank stored solutions by semantic similarity, recency and severity. --text uses keyword search instead.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("limit", "l", 0, "Max results (default: retrieval.max_results)")
	cmd.Flags().StringP("severity", "s", "", "Severity of the incident: critical, high, medium, low, info")
	cmd.Flags().Bool("text", false, "Keyword search over the full-text index")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	sevStr, _ := cmd.Flags().GetString("severity")
	text, _ := cmd.Flags().GetBool("text")
	query := strings.Join(args, " ")

	var sev model.Severity
	if sevStr != "" {
		var ok bool
		if sev, ok = model.ParseSeverity(sevStr); !ok {
			exitErr("search", fmt.Errorf("invalid severity %q", sevStr))
		}
	}

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	if text {
		if limit <= 0 {
			limit = 20
		}
		records, err := svc.Memory.SearchText(cmd.Context(), query, limit)
		if err != nil {
			exitErr("search", err)
		}
		if len(records) == 0 {
			fmt.Println("[]")
			return
		}
		printJSON(records)
		return
	}

	res, err := svc.Search(cmd.Context(), query, limit, sev)
	if err != nil {
		exitErr("search", err)
	}
	if res.Degraded {
		exitErr("search", fmt.Errorf("memory store unavailable"))
	}
	if len(res.Matches) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(res.Matches)
}
