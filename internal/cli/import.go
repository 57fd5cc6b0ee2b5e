package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import solutions from JSON",
		Long: "Import solutions from stdin in the format produced by export. Records are re-embedded " +
			"with the configured embedder. Superseded revisions are skipped and near-duplicates merge.",
		Run: runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var recs []model.SolutionRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		exitErr("parse json", err)
	}

	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	var imported, merged, existing int
	for _, r := range recs {
		if !r.Active() {
			continue
		}
		res, err := svc.Memory.Save(cmd.Context(), model.SolutionDraft{
			ProblemSummary:  r.ProblemSummary,
			SolutionSummary: r.SolutionSummary,
			RootCause:       r.RootCause,
			Tags:            r.Tags,
			Severity:        r.Severity,
			RawExcerpt:      r.RawExcerpt,
			Resolver:        r.Resolver,
		}, r.SourceThreadID)
		if err != nil {
			exitErr(fmt.Sprintf("import %s", r.ID), err)
		}
		switch {
		case res.Existing:
			existing++
		case res.Merged:
			merged++
		default:
			imported++
		}
	}

	fmt.Printf(`{"ok":true,"imported":%d,"merged":%d,"existing":%d}`+"\n", imported, merged, existing)
}
