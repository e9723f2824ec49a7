package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete a record from every tier",
		Args:  cobra.ExactArgs(1),
		Run:   runForget,
	}
	RootCmd.AddCommand(cmd)
}

func runForget(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	deleted, err := coord.Forget(cmd.Context(), args[0])
	if err != nil {
		exitErr("forget", err)
	}
	// Absence is not an error; the caller just learns nothing was there.
	printJSON(map[string]bool{"deleted": deleted})
}
