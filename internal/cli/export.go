package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export solutions as JSON",
		Long:  "Export active solutions as a JSON array. --history includes superseded revisions.",
		Run:   runExport,
	}

	cmd.Flags().Bool("history", false, "Include superseded revisions")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	history, _ := cmd.Flags().GetBool("history")

	s, _ := openStore()
	defer s.Close()

	recs, err := s.ExportSolutions(cmd.Context(), history)
	if err != nil {
		exitErr("export", err)
	}
	printList(recs)
}
