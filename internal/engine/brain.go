package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/basket/currency-agent/internal/otel"
	"github.com/basket/currency-agent/internal/tools"
)

// ErrLLMUnavailable is returned when no model provider could be configured.
var ErrLLMUnavailable = errors.New("llm provider not configured")

const (
	// DefaultGoogleModel is used when model_source is google.
	DefaultGoogleModel = "gemini-2.0-flash"
	compatProvider     = "tool-llm"
	maxToolTurns       = 3
)

// Turn is one entry of the conversation history sent to the model.
type Turn struct {
	Role string `json:"role"` // "user" or "model"
	Text string `json:"text"`
}

// Brain is the LLM abstraction used by the currency agent.
type Brain interface {
	Respond(ctx context.Context, history []Turn, prompt string) (string, error)
}

// BrainConfig holds configuration for the GenkitBrain.
type BrainConfig struct {
	// ModelSource is "google" for Gemini; anything else selects an
	// OpenAI-compatible endpoint.
	ModelSource string

	// GoogleAPIKey authenticates Gemini calls.
	GoogleAPIKey string

	// OpenAI-compatible endpoint settings.
	BaseURL string
	Model   string
	APIKey  string

	Tools   *tools.Registry
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
}

// GenkitBrain answers currency questions through Genkit with the exchange
// rate tool attached.
type GenkitBrain struct {
	g         *genkit.Genkit
	tools     *tools.Registry
	modelName string
	llmOn     bool
	metrics   *otelpkg.Metrics
	tracer    trace.Tracer
}

// NewGenkitBrain initializes Genkit with the configured provider and
// registers the tools. A missing key leaves the brain in a disabled state
// where Respond returns ErrLLMUnavailable.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	source := strings.ToLower(strings.TrimSpace(cfg.ModelSource))
	if source == "" {
		source = "google"
	}

	var (
		g         *genkit.Genkit
		modelName string
		llmOn     bool
	)
	switch source {
	case "google":
		model := strings.TrimSpace(cfg.Model)
		if model == "" {
			model = DefaultGoogleModel
		}
		modelName = "googleai/" + model
		if key := strings.TrimSpace(cfg.GoogleAPIKey); key != "" {
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: key}),
				genkit.WithDefaultModel(modelName),
			)
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "google", "model", modelName)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; currency agent will answer with the fallback message")
		}
	default:
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			apiKey = "EMPTY"
		}
		modelName = compatProvider + "/" + strings.TrimSpace(cfg.Model)
		if strings.TrimSpace(cfg.BaseURL) != "" && strings.TrimSpace(cfg.Model) != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: compatProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai_compatible", "model", modelName, "base_url", cfg.BaseURL)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("TOOL_LLM_URL or TOOL_LLM_NAME missing; currency agent will answer with the fallback message")
		}
	}

	reg := cfg.Tools
	if reg == nil {
		reg = tools.NewRegistry(nil)
	}
	reg.RegisterAll(g)
	slog.Info("brain tools registered", "tools", len(reg.Tools))

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &GenkitBrain{
		g:         g,
		tools:     reg,
		modelName: modelName,
		llmOn:     llmOn,
		metrics:   cfg.Metrics,
		tracer:    tracer,
	}
}

// ModelName reports the fully qualified Genkit model name.
func (b *GenkitBrain) ModelName() string {
	return b.modelName
}

// Respond runs one agent turn: the model may call get_exchange_rate up to
// three times before answering.
func (b *GenkitBrain) Respond(ctx context.Context, history []Turn, prompt string) (reply string, err error) {
	if !b.llmOn {
		return "", ErrLLMUnavailable
	}
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", fmt.Errorf("empty prompt")
	}

	ctx, span := otelpkg.StartClientSpan(ctx, b.tracer, "llm.generate", otelpkg.AttrModel.String(b.modelName))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if b.metrics != nil {
			b.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				otelpkg.AttrModel.String(b.modelName),
				otelpkg.AttrErrorClass.String(string(ClassifyError(err))),
			))
		}
	}()

	opts := []ai.GenerateOption{
		ai.WithModelName(b.modelName),
		// Escape % so the system prompt is not treated as a format string.
		ai.WithSystem(strings.ReplaceAll(SystemPrompt(), "%", "%%")),
	}
	if msgs := historyToMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts, ai.WithPrompt(trimmed))
	if len(b.tools.Tools) > 0 {
		opts = append(opts, ai.WithTools(b.tools.Tools...), ai.WithMaxTurns(maxToolTurns))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// historyToMessages converts checkpointed turns to Genkit messages.
func historyToMessages(turns []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, t := range turns {
		var role ai.Role
		switch t.Role {
		case "user":
			role = ai.RoleUser
		case "model":
			role = ai.RoleModel
		default:
			continue
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(t.Text)},
		})
	}
	return msgs
}
