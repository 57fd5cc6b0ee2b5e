package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "links [id]",
		Short: "Show revision and merge links of a solution",
		Args:  cobra.ExactArgs(1),
		Run:   runLinks,
	}

	RootCmd.AddCommand(cmd)
}

func runLinks(cmd *cobra.Command, args []string) {
	s, _ := openStore()
	defer s.Close()

	links, err := s.GetLinks(cmd.Context(), args[0])
	if err != nil {
		exitErr("links", err)
	}
	if len(links) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(links)
}
