package tools

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Observer is told when the model invokes a tool and when it returns.
// The engine uses it to surface progress events while a turn runs.
type Observer interface {
	ToolStarted(ctx context.Context, name string)
	ToolFinished(ctx context.Context, name string)
}

type observerKey struct{}

// WithObserver attaches a per-turn Observer to ctx.
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// ObserverFrom returns the Observer attached to ctx, or nil.
func ObserverFrom(ctx context.Context) Observer {
	o, _ := ctx.Value(observerKey{}).(Observer)
	return o
}

// Registry holds the Genkit tool definitions available to the agent.
type Registry struct {
	Exchange *ExchangeClient
	Tools    []ai.ToolRef
}

// NewRegistry builds a Registry around the exchange client.
func NewRegistry(exchange *ExchangeClient) *Registry {
	if exchange == nil {
		exchange = NewExchangeClient("", nil, nil)
	}
	return &Registry{Exchange: exchange}
}

// RegisterAll creates and registers all tools with the Genkit instance.
func (r *Registry) RegisterAll(g *genkit.Genkit) {
	r.Tools = []ai.ToolRef{registerExchangeRate(g, r)}
}

func (r *Registry) notify(ctx context.Context, name string) {
	if o := ObserverFrom(ctx); o != nil {
		o.ToolStarted(ctx, name)
	}
}

func (r *Registry) notifyDone(ctx context.Context, name string) {
	if o := ObserverFrom(ctx); o != nil {
		o.ToolFinished(ctx, name)
	}
}
