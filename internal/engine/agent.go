package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/currency-agent/internal/tools"
)

const (
	// FallbackMessage is sent when the model produced no usable reply.
	FallbackMessage = "We are unable to process your request at the moment. Please try again."

	lookupMessage     = "Looking up the exchange rates..."
	processingMessage = "Processing the exchange rates.."

	checkpointVersion  = 1
	defaultMaxHistory  = 40
	defaultFormatRetry = 1
)

// Event is one progress update produced while the agent works on a query.
type Event struct {
	IsTaskComplete   bool   `json:"is_task_complete"`
	RequireUserInput bool   `json:"require_user_input"`
	Content          string `json:"content"`
}

// Checkpointer persists opaque conversation state per context id. Get
// reports false when nothing usable is stored; Put never fails.
type Checkpointer interface {
	Get(ctx context.Context, conversationID string) ([]byte, bool)
	Put(ctx context.Context, conversationID string, blob []byte)
}

// conversationState is the checkpoint document for one conversation.
type conversationState struct {
	Version   int       `json:"version"`
	Messages  []Turn    `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentConfig wires the currency agent.
type AgentConfig struct {
	Brain        Brain
	Checkpointer Checkpointer
	Logger       *slog.Logger

	// MaxHistory caps the turns kept in the checkpoint. Zero means 40.
	MaxHistory int
	// FormatRetries is how many times a malformed reply is sent back to
	// the model for correction. Zero means 1; negative disables.
	FormatRetries int
}

// CurrencyAgent answers exchange-rate questions, remembering each
// conversation through the checkpointer.
type CurrencyAgent struct {
	brain         Brain
	checkpoints   Checkpointer
	validator     *ResponseValidator
	logger        *slog.Logger
	maxHistory    int
	formatRetries int
}

// NewCurrencyAgent builds the agent. It fails only if the response schema
// does not compile.
func NewCurrencyAgent(cfg AgentConfig) (*CurrencyAgent, error) {
	validator, err := NewResponseValidator(ResponseSchema)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	retries := cfg.FormatRetries
	switch {
	case retries == 0:
		retries = defaultFormatRetry
	case retries < 0:
		retries = 0
	}
	return &CurrencyAgent{
		brain:         cfg.Brain,
		checkpoints:   cfg.Checkpointer,
		validator:     validator,
		logger:        logger.With("component", "agent"),
		maxHistory:    maxHistory,
		formatRetries: retries,
	}, nil
}

// Stream runs query within the conversation contextID and calls emit for
// every progress event. The last event is always the final answer. emit
// errors abort the stream and are returned.
func (a *CurrencyAgent) Stream(ctx context.Context, query, contextID string, emit func(Event) error) error {
	state := a.loadState(ctx, contextID)

	obs := &progressObserver{emit: emit}
	turnCtx := tools.WithObserver(ctx, obs)

	reply, err := a.respond(turnCtx, state.Messages, query)
	if obsErr := obs.err(); obsErr != nil {
		return obsErr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		a.logger.Error("agent turn failed", "context_id", contextID, "error_class", ClassifyError(err), "error", err)
		return emit(fallbackEvent())
	}

	state.Messages = append(state.Messages, Turn{Role: "user", Text: query}, Turn{Role: "model", Text: reply.raw})
	a.saveState(ctx, contextID, state)

	if !reply.ok {
		return emit(fallbackEvent())
	}
	return emit(finalEvent(reply.format))
}

type agentReply struct {
	raw    string
	format ResponseFormat
	ok     bool
}

// respond asks the brain and re-prompts when the reply does not match the
// response schema.
func (a *CurrencyAgent) respond(ctx context.Context, history []Turn, query string) (agentReply, error) {
	if a.brain == nil {
		return agentReply{}, ErrLLMUnavailable
	}
	raw, err := a.brain.Respond(ctx, history, query)
	if err != nil {
		return agentReply{}, err
	}
	for attempt := 0; ; attempt++ {
		format, perr := a.validator.Parse(raw)
		if perr == nil {
			return agentReply{raw: raw, format: format, ok: true}, nil
		}
		if attempt >= a.formatRetries {
			a.logger.Warn("agent reply did not match response format", "error", perr)
			return agentReply{raw: raw}, nil
		}
		retryHistory := append(append([]Turn{}, history...), Turn{Role: "user", Text: query}, Turn{Role: "model", Text: raw})
		raw, err = a.brain.Respond(ctx, retryHistory,
			"Your response did not match the required JSON format. Error: "+perr.Error()+
				"\n\nReply again with only the JSON object.")
		if err != nil {
			return agentReply{}, err
		}
	}
}

func (a *CurrencyAgent) loadState(ctx context.Context, contextID string) conversationState {
	fresh := conversationState{Version: checkpointVersion}
	if a.checkpoints == nil || strings.TrimSpace(contextID) == "" {
		return fresh
	}
	blob, ok := a.checkpoints.Get(ctx, contextID)
	if !ok || len(blob) == 0 {
		return fresh
	}
	var state conversationState
	if err := json.Unmarshal(blob, &state); err != nil {
		a.logger.Warn("discarding unreadable checkpoint", "context_id", contextID, "error", err)
		return fresh
	}
	if state.Version != checkpointVersion {
		a.logger.Warn("discarding checkpoint with unknown version", "context_id", contextID, "version", state.Version)
		return fresh
	}
	return state
}

func (a *CurrencyAgent) saveState(ctx context.Context, contextID string, state conversationState) {
	if a.checkpoints == nil || strings.TrimSpace(contextID) == "" {
		return
	}
	if n := len(state.Messages); n > a.maxHistory {
		state.Messages = state.Messages[n-a.maxHistory:]
	}
	state.Version = checkpointVersion
	state.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(state)
	if err != nil {
		a.logger.Warn("encode checkpoint failed", "context_id", contextID, "error", err)
		return
	}
	a.checkpoints.Put(ctx, contextID, blob)
}

func finalEvent(f ResponseFormat) Event {
	switch f.Status {
	case StatusCompleted:
		return Event{IsTaskComplete: true, Content: f.Message}
	case StatusInputRequired, StatusError:
		return Event{RequireUserInput: true, Content: f.Message}
	}
	return fallbackEvent()
}

func fallbackEvent() Event {
	return Event{RequireUserInput: true, Content: FallbackMessage}
}

// progressObserver turns tool calls into progress events.
type progressObserver struct {
	emit func(Event) error

	mu       sync.Mutex
	firstErr error
}

func (o *progressObserver) ToolStarted(_ context.Context, _ string) {
	o.send(Event{Content: lookupMessage})
}

func (o *progressObserver) ToolFinished(_ context.Context, _ string) {
	o.send(Event{Content: processingMessage})
}

func (o *progressObserver) send(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.firstErr != nil {
		return
	}
	o.firstErr = o.emit(ev)
}

func (o *progressObserver) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.firstErr
}
