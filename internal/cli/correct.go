package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "correct [id]",
		Short: "Store a corrected revision of a solution",
		Long:  "Unset flags keep the current value. The previous revision stays in the history.",
		Args:  cobra.ExactArgs(1),
		Run:   runCorrect,
	}

	cmd.Flags().StringP("problem", "p", "", "Problem description")
	cmd.Flags().String("solution", "", "Solution")
	cmd.Flags().String("root-cause", "", "Root cause")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags (replaces the current tags)")
	cmd.Flags().StringP("severity", "s", "", "Severity: critical, high, medium, low, info")

	RootCmd.AddCommand(cmd)
}

func runCorrect(cmd *cobra.Command, args []string) {
	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	cur, err := svc.Memory.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("correct", err)
	}

	problem, _ := cmd.Flags().GetString("problem")
	solution, _ := cmd.Flags().GetString("solution")
	if strings.TrimSpace(problem) == "" {
		problem = cur.ProblemSummary
	}
	if strings.TrimSpace(solution) == "" {
		solution = cur.SolutionSummary
	}

	draft := draftFromFlags(cmd, problem, solution)
	if !cmd.Flags().Changed("root-cause") {
		draft.RootCause = cur.RootCause
	}
	if !cmd.Flags().Changed("tags") {
		draft.Tags = cur.Tags
	}
	if !cmd.Flags().Changed("severity") {
		draft.Severity = cur.Severity
	}

	rec, err := svc.Memory.Correct(cmd.Context(), cur.ID, draft)
	if err != nil {
		exitErr("correct", err)
	}
	printJSON(rec)
}
