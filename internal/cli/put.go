package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/extractor"
	"github.com/rcliao/support-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [solution]",
		Short: "Store a solution by hand",
		Long: "Store a problem/solution pair that did not come from a tracked thread. " +
			"The solution can be a positional arg or piped via stdin. Near-duplicates are merged.",
		Run: runPut,
	}

	cmd.Flags().StringP("problem", "p", "", "Problem description (required)")
	cmd.Flags().String("root-cause", "", "Root cause")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("severity", "s", "", "Severity: critical, high, medium, low, info (default: inferred)")

	cmd.MarkFlagRequired("problem")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	problem, _ := cmd.Flags().GetString("problem")

	var solution string
	if len(args) > 0 {
		solution = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			solution = string(b)
		}
	}
	if strings.TrimSpace(solution) == "" {
		exitErr("put", fmt.Errorf("solution is required (positional arg or stdin)"))
	}

	draft := draftFromFlags(cmd, problem, solution)

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	res, err := svc.Memory.Save(cmd.Context(), draft, "")
	if err != nil {
		exitErr("put", err)
	}
	printJSON(res)
}

// draftFromFlags builds a draft from --root-cause, --tags and --severity.
// Missing severity and tags are inferred from the text.
func draftFromFlags(cmd *cobra.Command, problem, solution string) model.SolutionDraft {
	rootCause, _ := cmd.Flags().GetString("root-cause")
	tagsStr, _ := cmd.Flags().GetString("tags")
	sevStr, _ := cmd.Flags().GetString("severity")

	text := problem + "\n" + solution
	sev := extractor.InferSeverity(text)
	if sevStr != "" {
		var ok bool
		if sev, ok = model.ParseSeverity(sevStr); !ok {
			exitErr("severity", fmt.Errorf("invalid severity %q", sevStr))
		}
	}

	return model.SolutionDraft{
		ProblemSummary:  strings.TrimSpace(problem),
		SolutionSummary: strings.TrimSpace(solution),
		RootCause:       strings.TrimSpace(rootCause),
		Tags:            extractor.MergeTags(splitTags(tagsStr), extractor.InferTags(text)),
		Severity:        sev,
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
