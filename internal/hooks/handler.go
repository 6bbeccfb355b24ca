// Package hooks adapts chat-host hook events to the persona server: start
// injects retrieved context, submit ingests the latest turns.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lazypower/persona/internal/client"
)

const hookTimeout = 3 * time.Second

// Handle reads HookInput from stdin, dispatches on event and writes any
// output to stdout. It never returns an error; problems go to stderr.
func Handle(event string, stdin io.Reader, stdout io.Writer, c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	var input HookInput
	if err := json.NewDecoder(stdin).Decode(&input); err != nil {
		// Stdin may be empty for start; degrade gracefully.
		if event == "start" {
			WriteStartOutput(stdout, "")
			return
		}
		reportError(fmt.Errorf("decode stdin: %w", err))
		return
	}

	if !c.Healthy(ctx) {
		if event == "start" {
			WriteStartOutput(stdout, "")
		}
		return
	}

	switch event {
	case "start":
		handleStart(ctx, c, &input, stdout)
	case "submit":
		handleSubmit(ctx, c, &input)
	default:
		reportError(fmt.Errorf("unknown hook event: %s", event))
	}
}
