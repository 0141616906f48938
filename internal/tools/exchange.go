package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"

	otelpkg "github.com/basket/currency-agent/internal/otel"
)

const (
	// DefaultExchangeBaseURL is the public Frankfurter API.
	DefaultExchangeBaseURL = "https://api.frankfurter.app"
	defaultRateCacheSize   = 512
	latestDate             = "latest"
)

// ExchangeRateInput mirrors the tool arguments the model fills in.
type ExchangeRateInput struct {
	CurrencyFrom string `json:"currency_from,omitempty" jsonschema:"description=The currency to convert from (e.g. USD)"`
	CurrencyTo   string `json:"currency_to,omitempty" jsonschema:"description=The currency to convert to (e.g. EUR)"`
	CurrencyDate string `json:"currency_date,omitempty" jsonschema:"description=The date for the exchange rate or latest"`
}

// ExchangeRateOutput is the Frankfurter response, or Error when the lookup
// failed. Errors are reported in-band so the model can explain them.
type ExchangeRateOutput struct {
	Amount float64            `json:"amount,omitempty"`
	Base   string             `json:"base,omitempty"`
	Date   string             `json:"date,omitempty"`
	Rates  map[string]float64 `json:"rates,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// ExchangeClient fetches rates from a Frankfurter-compatible API. Rates for
// a fixed date never change, so those responses are cached.
type ExchangeClient struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache[string, ExchangeRateOutput]
	metrics *otelpkg.Metrics
}

// NewExchangeClient builds a client. Empty baseURL uses the public API.
func NewExchangeClient(baseURL string, httpClient *http.Client, metrics *otelpkg.Metrics) *ExchangeClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultExchangeBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cache, _ := lru.New[string, ExchangeRateOutput](defaultRateCacheSize)
	return &ExchangeClient{baseURL: baseURL, client: httpClient, cache: cache, metrics: metrics}
}

func normalizeInput(in ExchangeRateInput) ExchangeRateInput {
	in.CurrencyFrom = strings.ToUpper(strings.TrimSpace(in.CurrencyFrom))
	if in.CurrencyFrom == "" {
		in.CurrencyFrom = "USD"
	}
	in.CurrencyTo = strings.ToUpper(strings.TrimSpace(in.CurrencyTo))
	if in.CurrencyTo == "" {
		in.CurrencyTo = "EUR"
	}
	in.CurrencyDate = strings.TrimSpace(in.CurrencyDate)
	if in.CurrencyDate == "" {
		in.CurrencyDate = latestDate
	}
	return in
}

// Rate looks up one exchange rate. It never returns a Go error; failures
// are carried in ExchangeRateOutput.Error.
func (c *ExchangeClient) Rate(ctx context.Context, in ExchangeRateInput) ExchangeRateOutput {
	in = normalizeInput(in)
	key := in.CurrencyDate + "|" + in.CurrencyFrom + "|" + in.CurrencyTo
	cacheable := in.CurrencyDate != latestDate
	if cacheable {
		if out, ok := c.cache.Get(key); ok {
			c.count(ctx, "cache_hit")
			return out
		}
	}

	out := c.fetch(ctx, in)
	switch {
	case out.Error != "":
		c.count(ctx, "error")
		slog.Warn("exchange rate lookup failed", "from", in.CurrencyFrom, "to", in.CurrencyTo, "date", in.CurrencyDate, "error", out.Error)
	case cacheable:
		c.cache.Add(key, out)
		c.count(ctx, "ok")
	default:
		c.count(ctx, "ok")
	}
	return out
}

func (c *ExchangeClient) fetch(ctx context.Context, in ExchangeRateInput) ExchangeRateOutput {
	q := url.Values{}
	q.Set("from", in.CurrencyFrom)
	q.Set("to", in.CurrencyTo)
	endpoint := c.baseURL + "/" + url.PathEscape(in.CurrencyDate) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ExchangeRateOutput{Error: fmt.Sprintf("API request failed: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CurrencyAgent/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return ExchangeRateOutput{Error: fmt.Sprintf("API request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ExchangeRateOutput{Error: fmt.Sprintf("API request failed: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return ExchangeRateOutput{Error: fmt.Sprintf("API request failed: HTTP %d for %s", resp.StatusCode, endpoint)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return ExchangeRateOutput{Error: "Invalid JSON response from API."}
	}
	if _, ok := raw["rates"]; !ok {
		return ExchangeRateOutput{Error: "Invalid API response format."}
	}
	var out ExchangeRateOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return ExchangeRateOutput{Error: "Invalid JSON response from API."}
	}
	return out
}

func (c *ExchangeClient) count(ctx context.Context, result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		otelpkg.AttrToolName.String(ExchangeRateToolName),
		otelpkg.AttrToolResult.String(result),
	))
}

// ExchangeRateToolName is the tool name exposed to the model.
const ExchangeRateToolName = "get_exchange_rate"

func registerExchangeRate(g *genkit.Genkit, reg *Registry) ai.ToolRef {
	return genkit.DefineTool(g, ExchangeRateToolName,
		"Use this to get current exchange rate. currency_from is the currency to convert from (e.g. \"USD\"), currency_to the currency to convert to (e.g. \"EUR\"), currency_date the date for the rate or \"latest\". Returns the exchange rate data, or an error message if the request fails.",
		func(ctx *ai.ToolContext, input ExchangeRateInput) (ExchangeRateOutput, error) {
			reg.notify(ctx, ExchangeRateToolName)
			out := reg.Exchange.Rate(ctx, input)
			reg.notifyDone(ctx, ExchangeRateToolName)
			return out, nil
		},
	)
}
