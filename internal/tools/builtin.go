package tools

import (
	"context"
	"encoding/json"
	"time"
)

// CurrentTime reports the gateway's current time. Mostly useful as a harmless
// default so a fresh install has at least one executable tool.
func CurrentTime() *Tool {
	return &Tool{
		Name:        "current_time",
		Description: "Returns the current date and time in UTC (RFC 3339).",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args json.RawMessage, emit EmitFunc) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	}
}
