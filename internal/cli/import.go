package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/transcript"
)

var importOwner string

var importCmd = &cobra.Command{
	Use:   "import <transcript.jsonl>",
	Short: "Replay a past conversation through ingestion",
	Long:  "Parse a JSONL chat transcript and send every user turn, with the turns before it, to the running server as if it had happened live.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, err := transcript.ParseFile(args[0])
		if err != nil {
			return err
		}
		windows := transcript.Windows(turns, cfg.Ingest.ContextTurns)
		if len(windows) == 0 {
			fmt.Println("No user turns found.")
			return nil
		}

		c := newClient()
		var accepted, skipped int
		for i, w := range windows {
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			h, err := c.Ingest(ctx, engine.IngestRequest{OwnerID: importOwner, Turns: w})
			cancel()
			if err != nil {
				return fmt.Errorf("window %d: %w", i, err)
			}
			if h.Accepted {
				accepted++
				log.Debug("accepted", "window", i, "id", h.ProvisionalID, "confidence", h.Confidence)
			} else {
				skipped++
			}
		}
		fmt.Printf("%d turns, %d windows: %d accepted, %d skipped\n", len(turns), len(windows), accepted, skipped)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importOwner, "owner", "o", "", "owner ID (required)")
	_ = importCmd.MarkFlagRequired("owner")
}
