package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// StartOutput is what the start hook writes to stdout.
type StartOutput struct {
	HookSpecificOutput struct {
		HookEventName     string `json:"hookEventName"`
		AdditionalContext string `json:"additionalContext"`
	} `json:"hookSpecificOutput"`
}

// WriteStartOutput writes the start response.
func WriteStartOutput(w io.Writer, context string) error {
	out := StartOutput{}
	out.HookSpecificOutput.HookEventName = "SessionStart"
	out.HookSpecificOutput.AdditionalContext = context
	return json.NewEncoder(w).Encode(out)
}

// reportError logs to stderr. Hooks never fail the host.
func reportError(err error) {
	fmt.Fprintf(os.Stderr, "persona hook: %v\n", err)
}
