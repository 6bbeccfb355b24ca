package hooks

import (
	"context"
	"io"

	"github.com/lazypower/persona/internal/client"
)

func handleStart(ctx context.Context, c *client.Client, input *HookInput, stdout io.Writer) {
	if input.OwnerID == "" {
		WriteStartOutput(stdout, "")
		return
	}
	block, err := c.Context(ctx, input.OwnerID, input.Query, input.Budget)
	if err != nil {
		reportError(err)
		WriteStartOutput(stdout, "")
		return
	}
	WriteStartOutput(stdout, block)
}
