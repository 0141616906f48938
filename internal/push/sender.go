// Package push delivers task updates to client webhooks.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/currency-agent/internal/a2a"
	otelpkg "github.com/basket/currency-agent/internal/otel"
	"github.com/basket/currency-agent/internal/persistence"
)

const (
	defaultMaxTries       = 3
	defaultAttemptTimeout = 5 * time.Second
	defaultInitialBackoff = 200 * time.Millisecond
)

// Subscriptions looks up the webhook for a conversation.
type Subscriptions interface {
	Subscription(ctx context.Context, contextID string) (*persistence.PushSubscription, bool)
}

// Config tunes delivery.
type Config struct {
	Client         *http.Client
	MaxTries       uint
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	Logger         *slog.Logger
	Metrics        *otelpkg.Metrics
}

// Sender POSTs the task document to the newest subscription of its
// conversation. Delivery is best-effort.
type Sender struct {
	subs           Subscriptions
	client         *http.Client
	maxTries       uint
	attemptTimeout time.Duration
	initialBackoff time.Duration
	logger         *slog.Logger
	metrics        *otelpkg.Metrics
}

func NewSender(subs Subscriptions, cfg Config) *Sender {
	s := &Sender{
		subs:           subs,
		client:         cfg.Client,
		maxTries:       cfg.MaxTries,
		attemptTimeout: cfg.AttemptTimeout,
		initialBackoff: cfg.InitialBackoff,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.maxTries == 0 {
		s.maxTries = defaultMaxTries
	}
	if s.attemptTimeout <= 0 {
		s.attemptTimeout = defaultAttemptTimeout
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = defaultInitialBackoff
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "push")
	return s
}

// Notify sends task to its conversation's webhook, if any. It reports
// whether a delivery succeeded; failures are logged only.
func (s *Sender) Notify(ctx context.Context, task *a2a.Task) bool {
	if s == nil || s.subs == nil || task == nil {
		return false
	}
	sub, ok := s.subs.Subscription(ctx, task.ContextID)
	if !ok {
		return false
	}
	body, err := json.Marshal(task)
	if err != nil {
		s.logger.Warn("encode push payload failed", "task_id", task.ID, "error", err)
		return false
	}

	// The caller's request may finish before delivery does.
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(otelpkg.AttrPushURL.String(sub.URL))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, sub, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		s.logger.Warn("push notification failed", "task_id", task.ID, "context_id", task.ContextID, "url", sub.URL, "error", err)
		if s.metrics != nil {
			s.metrics.PushFailures.Add(ctx, 1, attrs)
		}
		return false
	}
	s.logger.Debug("push notification delivered", "task_id", task.ID, "state", task.Status.State, "url", sub.URL)
	if s.metrics != nil {
		s.metrics.PushDeliveries.Add(ctx, 1, attrs)
	}
	return true
}

func (s *Sender) post(ctx context.Context, sub *persistence.PushSubscription, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("webhook rejected notification: HTTP %d", resp.StatusCode))
	}
	return nil
}

// ErrNoSubscription is returned by Validate when a config has no URL.
var ErrNoSubscription = errors.New("push notification url is required")

// Validate checks a client-supplied config before it is stored.
func Validate(cfg a2a.PushNotificationConfig) error {
	if cfg.URL == "" {
		return ErrNoSubscription
	}
	req, err := http.NewRequest(http.MethodPost, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid push notification url: %w", err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("invalid push notification url scheme %q", req.URL.Scheme)
	}
	return nil
}
