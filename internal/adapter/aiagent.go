package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/cenkalti/backoff/v4"

	"github.com/dispatch-run/dispatch/internal/logging"
)

// Retry tuning for a turn's streaming call. A provider stream can drop
// mid-turn on a transient network or 5xx fault; those are retried with
// jittered exponential backoff rather than failing the turn outright.
const (
	turnMaxRetries           = 3
	turnRetryInitialInterval = 500 * time.Millisecond
	turnRetryMaxInterval     = 10 * time.Second
	turnRetryMaxElapsedTime  = 30 * time.Second
)

// toolRoundCap bounds how many tool-use rounds one Write may drive before
// the turn is cut off, so a model that keeps requesting tools cannot loop a
// turn forever against synthesized results.
const toolRoundCap = 8

// newTurnRetryBackoff builds the jittered exponential backoff used to retry
// a turn's streaming call.
func newTurnRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = turnRetryInitialInterval
	b.MaxInterval = turnRetryMaxInterval
	b.MaxElapsedTime = turnRetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, turnMaxRetries), ctx)
}

// PermissionMode gates how the ai-agent adapter resolves a model tool call:
// allow records the call and acknowledges it, ask refuses it for lack of an
// attached approver, deny refuses it outright.
type PermissionMode string

const (
	PermissionAsk   PermissionMode = "ask"
	PermissionAllow PermissionMode = "allow"
	PermissionDeny  PermissionMode = "deny"
)

// AIAgentTool is one tool definition offered to the model. Properties is
// the JSON-Schema properties object for the tool's input.
type AIAgentTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
}

// AIAgentConfig is the kind-specific config document for an ai-agent
// session: working directory, model tag, permission mode, turn cap, and the
// tool definitions the model may call.
type AIAgentConfig struct {
	Cwd            string         `json:"cwd"`
	Model          string         `json:"model"`
	PermissionMode PermissionMode `json:"permissionMode"`
	TurnCap        int            `json:"turnCap"`
	Tools          []AIAgentTool  `json:"tools,omitempty"`
	APIKey         string         `json:"apiKey,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
}

// messageSubEvent is one entry of an ai:message/event payload's "events"
// array: turn start, text delta, tool use, tool result, turn end.
type messageSubEvent struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
	Args any    `json:"args,omitempty"`
}

// AIAgent drives an external AI coding process (Anthropic's Messages API)
// and surfaces its structured event stream.
//
// A resumed ai-agent session starts a fresh model conversation: history is
// empty after every Start, while the session's own event log continues from
// where it left off. The adapter has no durable transcript of the model's
// conversation state to rebuild from, and event payloads are opaque to the
// rest of the system, so there is nothing it could legitimately replay into
// a new conversation.
type AIAgent struct {
	client anthropic.Client

	mu      sync.Mutex
	cfg     AIAgentConfig
	emit    Emit
	ctx     context.Context
	history []anthropic.MessageParam
	turns   int64
	closed  bool
	cancel  context.CancelFunc
}

// NewAIAgent constructs an unstarted ai-agent adapter. Used as an
// adapter.Factory.
func NewAIAgent() Adapter { return &AIAgent{} }

func (a *AIAgent) Start(ctx context.Context, rawConfig json.RawMessage, emit Emit) error {
	var cfg AIAgentConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("ai-agent: invalid config: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = PermissionAsk
	}
	if cfg.TurnCap <= 0 {
		cfg.TurnCap = 50
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.client = anthropic.NewClient(opts...)
	a.cfg = cfg
	a.emit = emit
	a.ctx = runCtx
	a.cancel = cancel
	a.mu.Unlock()

	emit("system:status", "open", nil)
	return nil
}

// toolParams converts the configured tool definitions into request params.
func toolParams(tools []AIAgentTool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool definition has no name")
		}
		properties := map[string]any{}
		if len(t.Properties) > 0 {
			if err := json.Unmarshal(t.Properties, &properties); err != nil {
				return nil, fmt.Errorf("tool %s: invalid properties: %w", t.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{Properties: properties}, t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}

// resolveToolCall synthesizes the tool result sent back to the model. The
// adapter executes nothing itself — tool calls are recorded on the event
// log for attached clients — so the result reports the outcome dictated by
// the session's permission mode.
func resolveToolCall(mode PermissionMode) (text string, isError bool) {
	switch mode {
	case PermissionAllow:
		return "tool call recorded; execution is delegated to the attached client", false
	case PermissionDeny:
		return "tool use denied by session permission mode", true
	default:
		return "tool use requires approval and no approver is attached", true
	}
}

// Write sends a user text message and drives one turn: streamed model
// output, then up to toolRoundCap tool-use rounds answered with synthesized
// results, emitted together as a single ai:message/event. An exhausted,
// unretryable provider failure is a session-fatal adapter fault: the
// adapter emits ai:error/json and closes, which transitions the session out
// of running.
func (a *AIAgent) Write(data []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("ai-agent: closed")
	}
	cfg := a.cfg
	emit := a.emit
	client := a.client
	ctx := a.ctx
	history := append([]anthropic.MessageParam(nil), a.history...)
	turns := atomic.AddInt64(&a.turns, 1)
	a.mu.Unlock()

	if int(turns) > cfg.TurnCap {
		payload, _ := json.Marshal(map[string]string{"error": "turn cap exceeded"})
		emit("ai:error", "json", payload)
		return a.Close("turn cap exceeded")
	}

	history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(string(data))))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: 4096,
	}
	if cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.SystemPrompt}}
	}
	tools, err := toolParams(cfg.Tools)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		emit("ai:error", "json", payload)
		return nil
	}
	if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{
				Type:                   constant.ValueOf[constant.Auto]().Default(),
				DisableParallelToolUse: anthropic.Bool(false),
			},
		}
	}

	events := []messageSubEvent{{Kind: "turn_start"}}

	for round := 0; ; round++ {
		params.Messages = history

		message, deltas, err := a.streamTurn(ctx, client, params)
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			emit("ai:error", "json", payload)
			return a.Close("provider stream failed")
		}
		events = append(events, deltas...)
		history = append(history, message.ToParam())

		if message.StopReason != anthropic.StopReasonToolUse || round+1 >= toolRoundCap {
			break
		}

		var results []anthropic.ContentBlockParamUnion
		for _, block := range message.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			sub := messageSubEvent{Kind: "tool_use", Tool: toolUse.Name, Args: toolUse.Input}
			if cfg.PermissionMode == PermissionDeny {
				sub.Kind = "tool_use_denied"
			}
			events = append(events, sub)

			resultText, isError := resolveToolCall(cfg.PermissionMode)
			events = append(events, messageSubEvent{Kind: "tool_result", Tool: toolUse.Name, Text: resultText})

			res := anthropic.NewToolResultBlock(toolUse.ID, resultText, isError)
			results = append(results, res)
		}
		if len(results) == 0 {
			break
		}
		history = append(history, anthropic.NewUserMessage(results...))
	}

	events = append(events, messageSubEvent{Kind: "turn_end"})

	a.mu.Lock()
	a.history = history
	a.mu.Unlock()

	payload, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("ai-agent: marshal events: %w", err)
	}
	emit("ai:message", "event", payload)
	return nil
}

// streamTurn runs one streaming model call with retries. The accumulated
// message and its text-delta sub-events are discarded and rebuilt on each
// retry attempt, since the stream re-runs from scratch.
func (a *AIAgent) streamTurn(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams) (anthropic.Message, []messageSubEvent, error) {
	var deltas []messageSubEvent
	var message anthropic.Message

	err := backoff.Retry(func() error {
		deltas = deltas[:0]
		message = anthropic.Message{}

		stream := client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if err := message.Accumulate(chunk); err != nil {
				logging.Warn().Err(err).Msg("ai-agent: accumulate stream event")
				continue
			}
			switch delta := chunk.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := delta.Delta.Text; text != "" {
					deltas = append(deltas, messageSubEvent{Kind: "text_delta", Text: text})
				}
			}
		}
		return stream.Err()
	}, newTurnRetryBackoff(ctx))

	return message, deltas, err
}

// Resize has no meaning for an ai-agent session.
func (a *AIAgent) Resize(cols, rows int) error {
	return ErrUnsupported
}

func (a *AIAgent) Close(reason string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	emit := a.emit
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if emit != nil {
		payload, _ := json.Marshal(map[string]string{"reason": reason})
		emit("system:status", "close", payload)
	}
	return nil
}
