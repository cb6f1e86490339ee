package cli

import (
	"fmt"

	"github.com/raphaelgruber/kbchat/internal/session"
	"github.com/spf13/cobra"
)

var sessionReset bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show or reset the session id",
	Long: `Show the session id stored in the state directory. Exchanges are
stored server-side under this id.

Use --reset to start a new session; earlier exchanges stay on the server
under the old id.

Examples:
  kbchat session
  kbchat session --reset`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	sessionCmd.Flags().BoolVar(&sessionReset, "reset", false, "generate a new session id")
}

func runSession(cmd *cobra.Command, args []string) error {
	var (
		id  string
		err error
	)
	if sessionReset {
		id, err = session.ResetID(cfg.StateDir)
	} else {
		id, err = sessionID()
	}
	if err != nil {
		return err
	}

	fmt.Println(id)
	if verbose {
		fmt.Printf("State directory: %s\n", cfg.StateDir)
	}
	return nil
}
