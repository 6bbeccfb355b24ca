package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/persona/internal/hooks"
)

// Hooks run inside the chat host and must never fail it: errors go to
// stderr and the process exits 0.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle chat-host hook events",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			// A broken config still leaves the default server URL usable.
			cmd.PrintErrln("persona hook:", err)
		}
		return nil
	},
}

var hookStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Inject retrieved context at session start",
	Run: func(cmd *cobra.Command, args []string) {
		hooks.Handle("start", os.Stdin, os.Stdout, newClient())
	},
}

var hookSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Ingest the latest turns on prompt submit",
	Run: func(cmd *cobra.Command, args []string) {
		hooks.Handle("submit", os.Stdin, os.Stdout, newClient())
	},
}

func init() {
	hookCmd.AddCommand(hookStartCmd)
	hookCmd.AddCommand(hookSubmitCmd)
}
