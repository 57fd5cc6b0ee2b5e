package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "close [thread]",
		Short: "Close a thread by hand",
		Long:  "Mark a thread CLOSED without extracting a solution. Later messages to it are ignored.",
		Args:  cobra.ExactArgs(1),
		Run:   runClose,
	}

	RootCmd.AddCommand(cmd)
}

func runClose(cmd *cobra.Command, args []string) {
	svc, log := openService(cmd)
	defer log.Sync()
	defer svc.Close()

	th, err := svc.MarkClosed(cmd.Context(), args[0])
	if err != nil {
		exitErr("close", err)
	}
	printJSON(th)
}
