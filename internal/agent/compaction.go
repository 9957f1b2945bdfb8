package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// Compaction reasons.
const (
	compactReasonThreshold = "threshold"
	compactReasonOverflow  = "overflow"
)

const (
	toolOutputPlaceholder = "[tool output omitted by emergency compaction]"
	truncationMarker      = "…[truncated for compaction]"

	// Fraction of the summary model's context a single summarization chunk
	// may occupy, and the retry ceiling when a chunk itself overflows.
	summaryChunkFraction = 0.35
	summaryMaxPasses     = 6

	// Continue-or-clarify nudge queued after a threshold trip so the next
	// model call happens on the compacted transcript.
	compactionNudge = "The conversation context was compacted to fit the model's window. " +
		"Continue with the task, or ask for clarification if important details were lost."
)

// CompactorConfig configures a Compactor.
type CompactorConfig struct {
	// SummaryProvider and SummaryModel run the summarization calls. They may
	// be the agent's own provider/model or a cheaper one.
	SummaryProvider providers.Provider
	SummaryModel    string

	ThresholdFraction           float64 // default 0.8
	OverflowRecoveryMaxAttempts int     // default 2
	KeepLastN                   int     // suffix fallback, default 8
}

// Compactor watches turn_end usage against the model's input budget and
// rewrites the transcript through the agent's outbound transform when it
// trips: repair, cut at a safe boundary, summarize the discarded prefix,
// splice summary plus retained suffix, then shrink to budget if needed.
// It also installs a turn-error handler that converts provider context
// overflows into a compaction plus retry.
type Compactor struct {
	agent *Agent
	cfg   CompactorConfig

	mu               sync.Mutex
	pendingReason    string
	overflowBudget   int
	overflowAttempts int
	inCompaction     bool
	nudgeQueued      bool
	lastInputTokens  int
}

// NewCompactor wires a compactor into agt (transform, error handler and event
// subscription). Call before the first Prompt.
func NewCompactor(agt *Agent, cfg CompactorConfig) *Compactor {
	if cfg.ThresholdFraction <= 0 || cfg.ThresholdFraction >= 1 {
		cfg.ThresholdFraction = 0.8
	}
	if cfg.OverflowRecoveryMaxAttempts <= 0 {
		cfg.OverflowRecoveryMaxAttempts = 2
	}
	if cfg.KeepLastN <= 0 {
		cfg.KeepLastN = 8
	}
	c := &Compactor{agent: agt, cfg: cfg}
	agt.SetTransform(c.transform)
	agt.SetTurnErrorHandler(c.onTurnError)
	agt.Subscribe(c.onEvent)
	return c
}

// InputBudget computes the compaction trip point for a model capability:
// min(contextLimit − reservedOutput, floor(contextLimit × fraction)).
func InputBudget(cap providers.Capability, fraction float64) int {
	reserved := cap.OutputLimit
	if reserved <= 0 {
		reserved = int(0.2 * float64(cap.ContextLimit))
		if reserved < 1024 {
			reserved = 1024
		}
	} else {
		if reserved < 1024 {
			reserved = 1024
		}
		if reserved > cap.ContextLimit-1 {
			reserved = cap.ContextLimit - 1
		}
	}
	safe := cap.ContextLimit - reserved
	early := int(float64(cap.ContextLimit) * fraction)
	if safe < early {
		return safe
	}
	return early
}

func (c *Compactor) capability() (providers.Capability, bool) {
	return c.agent.cfg.Provider.Capability(c.agent.cfg.Model)
}

func (c *Compactor) onEvent(ev Event) {
	if ev.Type != EventTurnEnd || ev.Usage == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastInputTokens = ev.Usage.InputTokens

	cap, ok := c.capability()
	if !ok {
		return
	}
	budget := InputBudget(cap, c.cfg.ThresholdFraction)
	if ev.Usage.InputTokens < budget {
		return
	}
	if c.pendingReason == "" {
		c.pendingReason = compactReasonThreshold
	}
	// A turn that ended in tool calls continues on its own; otherwise nudge
	// the agent once so the transform runs before the next real request.
	if ev.FinishReason != providers.FinishToolCalls && !c.nudgeQueued {
		c.nudgeQueued = true
		c.agent.FollowUp(compactionNudge)
	}
}

func (c *Compactor) onTurnError(err error, attempt int) ErrorDecision {
	if !providers.IsContextOverflow(err) {
		return DecisionFail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overflowAttempts++
	if c.overflowAttempts > c.cfg.OverflowRecoveryMaxAttempts {
		slog.Warn("context overflow recovery exhausted", "attempts", c.overflowAttempts)
		return DecisionFail
	}

	baseline := EstimateTokens(c.agent.Messages())
	if c.lastInputTokens > baseline {
		baseline = c.lastInputTokens
	}
	shrink := 0.7 - 0.15*float64(attempt-1)
	if shrink < 0.2 {
		shrink = 0.2
	}
	budget := int(float64(baseline) * shrink)
	if budget < 256 {
		budget = 256
	}
	c.pendingReason = compactReasonOverflow
	c.overflowBudget = budget
	slog.Info("context overflow, scheduling compaction", "attempt", attempt, "budget", budget)
	return DecisionRetry
}

// transform is the agent's outbound hook. When a compaction is pending it
// rewrites the message list and asks the engine to adopt the result.
func (c *Compactor) transform(ctx context.Context, msgs []providers.Message) ([]providers.Message, bool, error) {
	c.mu.Lock()
	reason := c.pendingReason
	if reason == "" || c.inCompaction {
		c.mu.Unlock()
		return nil, false, nil
	}
	var budget int
	switch reason {
	case compactReasonOverflow:
		budget = c.overflowBudget
	default:
		cap, ok := c.capability()
		if !ok {
			c.pendingReason = ""
			c.mu.Unlock()
			return nil, false, nil
		}
		budget = InputBudget(cap, c.cfg.ThresholdFraction)
	}
	c.inCompaction = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inCompaction = false
		c.mu.Unlock()
	}()

	if len(msgs) == 0 || msgs[len(msgs)-1].Role == providers.RoleAssistant {
		return nil, false, nil
	}

	compacted, err := c.compact(ctx, RepairTranscript(msgs), budget)
	if err != nil {
		slog.Warn("compaction failed, keeping transcript", "reason", reason, "error", err)
		return nil, false, nil
	}

	c.mu.Lock()
	if EstimateTokens(compacted) <= budget {
		c.pendingReason = ""
		c.nudgeQueued = false
	} else {
		c.pendingReason = compactReasonThreshold
	}
	c.mu.Unlock()

	slog.Info("transcript compacted",
		"reason", reason,
		"budget", budget,
		"before", len(msgs),
		"after", len(compacted))
	return compacted, true, nil
}

// compact performs one compaction pass against budget.
func (c *Compactor) compact(ctx context.Context, msgs []providers.Message, budget int) ([]providers.Message, error) {
	cut := c.chooseSuffixStart(msgs, budget)
	if cut <= 0 {
		// Nothing to discard; shrink in place.
		return shrinkToBudget(providers.CloneMessages(msgs), budget), nil
	}

	// When the cut lands on an assistant message, the user-to-cut range is a
	// split turn that must be summarized too so the suffix stays coherent.
	discardEnd := cut
	var splitPrefix []providers.Message
	if msgs[cut].Role == providers.RoleAssistant {
		u := cut - 1
		for u >= 0 && msgs[u].Role != providers.RoleUser {
			u--
		}
		if u >= 0 {
			splitPrefix = msgs[u:cut]
			discardEnd = u
		}
	}

	summary := c.summarize(ctx, msgs[:discardEnd], splitPrefix)

	out := make([]providers.Message, 0, len(msgs)-cut+1)
	out = append(out, providers.UserText("<summary>\n"+summary+"\n</summary>"))
	out = append(out, providers.CloneMessages(msgs[cut:])...)
	return shrinkToBudget(out, budget), nil
}

// chooseSuffixStart picks the earliest cut boundary whose suffix fits about
// half the budget, falling back to keeping the last KeepLastN messages.
func (c *Compactor) chooseSuffixStart(msgs []providers.Message, budget int) int {
	keepBudget := budget / 2
	tokens := 0
	start := len(msgs)
	for i := len(msgs) - 1; i > 0; i-- {
		tokens += (renderedChars(msgs[i]) + 3) / 4
		if tokens > keepBudget {
			break
		}
		start = i
	}
	// Move forward to the nearest valid cut.
	for i := start; i < len(msgs); i++ {
		if isCutBoundary(msgs, i) {
			return i
		}
	}
	// Fallback: last N messages at a valid cut.
	n := len(msgs) - c.cfg.KeepLastN
	if n < 1 {
		n = 1
	}
	for i := n; i < len(msgs); i++ {
		if isCutBoundary(msgs, i) {
			return i
		}
	}
	return 0
}

// summarize condenses discarded history (and an optional split-turn prefix)
// into summary text. Hierarchical: chunks either initialize or update the
// running summary. Falls back to a deterministic truncation on failure.
func (c *Compactor) summarize(ctx context.Context, discarded, splitPrefix []providers.Message) string {
	rendered := renderForSummary(discarded)
	if len(splitPrefix) > 0 {
		rendered += "\n\n[interrupted turn in progress]\n" + renderForSummary(splitPrefix)
	}
	if strings.TrimSpace(rendered) == "" {
		return "(no prior context)"
	}

	chunkChars := c.summaryChunkChars()
	for pass := 0; pass < summaryMaxPasses; pass++ {
		summary, err := c.summarizeChunked(ctx, rendered, chunkChars)
		if err == nil {
			return summary
		}
		if !providers.IsContextOverflow(err) {
			slog.Warn("summarization failed", "error", err)
			break
		}
		chunkChars /= 2
		if chunkChars < 1024 {
			break
		}
	}
	return fallbackSummary(rendered)
}

func (c *Compactor) summaryChunkChars() int {
	contextLimit := 200000
	if c.cfg.SummaryProvider != nil {
		if cap, ok := c.cfg.SummaryProvider.Capability(c.cfg.SummaryModel); ok && cap.ContextLimit > 0 {
			contextLimit = cap.ContextLimit
		}
	}
	return int(float64(contextLimit) * summaryChunkFraction * 4)
}

func (c *Compactor) summarizeChunked(ctx context.Context, rendered string, chunkChars int) (string, error) {
	if c.cfg.SummaryProvider == nil {
		return "", fmt.Errorf("no summary provider configured")
	}
	summary := ""
	for offset := 0; offset < len(rendered); offset += chunkChars {
		end := offset + chunkChars
		if end > len(rendered) {
			end = len(rendered)
		}
		chunk := rendered[offset:end]

		var prompt string
		if summary == "" {
			prompt = "Summarize the following conversation transcript. Preserve decisions, " +
				"open tasks, important facts and tone. Be concise.\n\n" + chunk
		} else {
			prompt = "Update this running summary with the additional transcript below. " +
				"Keep it concise and self-contained.\n\nSummary so far:\n" + summary +
				"\n\nAdditional transcript:\n" + chunk
		}

		out, err := c.completeText(ctx, prompt)
		if err != nil {
			return "", err
		}
		summary = strings.TrimSpace(out)
	}
	return summary, nil
}

// completeText runs one non-streaming-shaped summary call by draining the
// provider's part channel.
func (c *Compactor) completeText(ctx context.Context, prompt string) (string, error) {
	parts, err := c.cfg.SummaryProvider.Stream(ctx, providers.Request{
		Model:     c.cfg.SummaryModel,
		Messages:  []providers.Message{providers.UserText(prompt)},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for part := range parts {
		switch part.Type {
		case providers.StreamTextDelta:
			b.WriteString(part.Text)
		case providers.StreamError:
			return "", part.Err
		case providers.StreamAbort:
			return "", context.Cause(ctx)
		}
	}
	return b.String(), nil
}

// fallbackSummary is the deterministic last resort: a truncated transcript.
func fallbackSummary(rendered string) string {
	const keep = 4000
	if len(rendered) <= keep {
		return rendered
	}
	return rendered[:keep] + truncationMarker
}

func renderForSummary(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		for _, p := range m.Parts {
			switch p.Type {
			case providers.PartText, providers.PartReasoning, providers.PartErrorText:
				b.WriteString(p.Text)
			case providers.PartToolCall:
				fmt.Fprintf(&b, "[tool call %s %s]", p.ToolName, string(p.Args))
			case providers.PartToolResult:
				fmt.Fprintf(&b, "[tool result %s: %s]", p.ToolName, p.Output)
			case providers.PartImage, providers.PartFile:
				fmt.Fprintf(&b, "[attachment %s]", p.URL)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// shrinkToBudget applies escalating lossy reductions until msgs fits budget:
// tool outputs become placeholders one at a time, then middle messages drop
// (head summary, last user and absolute tail are kept), then the head message
// is character-truncated.
func shrinkToBudget(msgs []providers.Message, budget int) []providers.Message {
	if EstimateTokens(msgs) <= budget {
		return msgs
	}

	// (a) placeholder tool outputs, one at a time.
	for i := range msgs {
		if msgs[i].Role != providers.RoleTool {
			continue
		}
		changed := false
		for j := range msgs[i].Parts {
			p := &msgs[i].Parts[j]
			if p.Type == providers.PartToolResult && p.Output != toolOutputPlaceholder {
				p.Output = toolOutputPlaceholder
				changed = true
			}
		}
		if changed && EstimateTokens(msgs) <= budget {
			return msgs
		}
	}

	// (b) drop middle messages.
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleUser {
			lastUser = i
			break
		}
	}
	for len(msgs) > 2 {
		dropped := false
		for i := 1; i < len(msgs)-1; i++ {
			if i == lastUser {
				continue
			}
			msgs = append(msgs[:i], msgs[i+1:]...)
			if lastUser > i {
				lastUser--
			}
			dropped = true
			break
		}
		if !dropped {
			break
		}
		if EstimateTokens(msgs) <= budget {
			return RepairTranscript(msgs)
		}
	}
	msgs = RepairTranscript(msgs)
	if EstimateTokens(msgs) <= budget {
		return msgs
	}

	// (c) truncate the head message.
	if len(msgs) > 0 && len(msgs[0].Parts) > 0 {
		keepChars := budget * 4
		if keepChars < 256 {
			keepChars = 256
		}
		p := &msgs[0].Parts[0]
		if len(p.Text) > keepChars {
			p.Text = p.Text[:keepChars] + truncationMarker
		}
	}
	return msgs
}
