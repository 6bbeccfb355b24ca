package hooks

import (
	"context"

	"github.com/lazypower/persona/internal/client"
	"github.com/lazypower/persona/internal/engine"
)

func handleSubmit(ctx context.Context, c *client.Client, input *HookInput) {
	turns := input.turns()
	if input.OwnerID == "" || len(turns) == 0 {
		return
	}
	// The server answers before any embedding or dedup runs.
	if _, err := c.Ingest(ctx, engine.IngestRequest{OwnerID: input.OwnerID, Turns: turns}); err != nil {
		reportError(err)
	}
}
