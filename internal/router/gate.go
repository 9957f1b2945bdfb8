package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// Gate contexts. Failure policy differs: active-batch fails closed (skip),
// direct-reply disambiguation fails open (forward).
const (
	gateActiveBatch = "active-batch"
	gateDirectReply = "direct-reply-mention-disambiguation"
)

const gateSystemPrompt = `You are a routing gate for a chat assistant. ` +
	`Given recent channel messages, decide whether the assistant should respond. ` +
	`Reply with exactly one JSON object and nothing else: {"forward": <bool>, "reason": "<short>"}.`

// gateVerdict is the gate model's JSON output.
type gateVerdict struct {
	Forward bool   `json:"forward"`
	Reason  string `json:"reason,omitempty"`
}

// gate asks the fast model slot whether to forward a message batch.
type gate struct {
	providers *providers.Registry
}

// check runs one gate call bounded by timeout. It returns the verdict or an
// error; the caller applies the fail-open/fail-closed policy for its context.
func (g *gate) check(ctx context.Context, timeout time.Duration, gateContext, rendered string) (gateVerdict, error) {
	provider, model, err := g.providers.Resolve("", "fast")
	if err != nil {
		return gateVerdict{}, fmt.Errorf("gate model: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf("Context: %s\n\n%s", gateContext, rendered)
	parts, err := provider.Stream(ctx, providers.Request{
		Model:     model,
		System:    gateSystemPrompt,
		Messages:  []providers.Message{providers.UserText(prompt)},
		MaxTokens: 256,
	})
	if err != nil {
		return gateVerdict{}, fmt.Errorf("gate call: %w", err)
	}

	var text strings.Builder
	for part := range parts {
		switch part.Type {
		case providers.StreamTextDelta:
			text.WriteString(part.Text)
		case providers.StreamError:
			return gateVerdict{}, fmt.Errorf("gate stream: %w", part.Err)
		case providers.StreamAbort:
			return gateVerdict{}, fmt.Errorf("gate aborted: %w", ctx.Err())
		}
	}
	return parseGateVerdict(text.String())
}

// parseGateVerdict extracts the JSON object from the model output, tolerating
// code fences and prose around it.
func parseGateVerdict(text string) (gateVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return gateVerdict{}, fmt.Errorf("gate output has no JSON object: %q", text)
	}
	var v gateVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return gateVerdict{}, fmt.Errorf("gate output: %w", err)
	}
	return v, nil
}

// renderGateBatch flattens buffered messages into the gate prompt body.
func renderGateBatch(entries []gateEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.author, e.text)
	}
	return b.String()
}

type gateEntry struct {
	author string
	text   string
}
