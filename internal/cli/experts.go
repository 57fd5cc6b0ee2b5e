package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "experts [tag...]",
		Short: "List who resolved past incidents",
		Long:  "Ranks the people credited with active solutions. With tags, only solutions carrying one of them count.",
		Run:   runExperts,
	}

	cmd.Flags().IntP("limit", "n", 10, "Maximum number of people")

	RootCmd.AddCommand(cmd)
}

func runExperts(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	db, _ := openStore()
	defer db.Close()

	counts, err := db.TopResolvers(cmd.Context(), args, limit)
	if err != nil {
		exitErr("experts", err)
	}
	printJSON(counts)
}
