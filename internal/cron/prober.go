// Package cron runs the periodic database health probe.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	otelpkg "github.com/basket/currency-agent/internal/otel"
)

// DefaultSchedule probes the database every 30 seconds.
const DefaultSchedule = "@every 30s"

// cronParser accepts standard 5-field expressions and descriptors such as
// @every and @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Pinger checks database connectivity, implemented by persistence.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the dependencies for the prober.
type Config struct {
	Store    Pinger
	Schedule string        // defaults to DefaultSchedule
	Timeout  time.Duration // per probe; defaults to 5s
	Metrics  *otelpkg.Metrics
	Logger   *slog.Logger
}

// Prober pings the store on a cron schedule, feeds the store.healthy gauge
// and logs transitions between healthy and unhealthy.
type Prober struct {
	store   Pinger
	sched   string
	timeout time.Duration
	metrics *otelpkg.Metrics
	logger  *slog.Logger

	cron *cronlib.Cron

	mu      sync.Mutex
	known   bool
	healthy bool
	lastErr error
}

func NewProber(cfg Config) (*Prober, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	sched := cfg.Schedule
	if sched == "" {
		sched = DefaultSchedule
	}
	if _, err := cronParser.Parse(sched); err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", sched, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		store:   cfg.Store,
		sched:   sched,
		timeout: timeout,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "cron"),
	}, nil
}

// Start probes once and then on every tick until ctx is done or Stop is
// called.
func (p *Prober) Start(ctx context.Context) error {
	c := cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(p.sched, func() { p.Probe(ctx) }); err != nil {
		return fmt.Errorf("cron: schedule probe: %w", err)
	}
	p.Probe(ctx)
	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()
	c.Start()
	p.logger.Info("store prober started", "schedule", p.sched)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running probe to return.
func (p *Prober) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.logger.Info("store prober stopped")
}

// Probe pings the store once and reports whether it answered.
func (p *Prober) Probe(ctx context.Context) bool {
	if ctx.Err() != nil {
		return p.Healthy()
	}
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.store.Ping(pctx)
	cancel()
	ok := err == nil

	if p.metrics != nil {
		var v int64
		if ok {
			v = 1
		}
		p.metrics.StoreHealthy.Record(ctx, v)
	}

	p.mu.Lock()
	changed := !p.known || p.healthy != ok
	p.known = true
	p.healthy = ok
	p.lastErr = err
	p.mu.Unlock()

	switch {
	case changed && ok:
		p.logger.Info("store healthy")
	case changed:
		p.logger.Error("store unreachable", "error", err)
	case !ok:
		p.logger.Debug("store still unreachable", "error", err)
	}
	return ok
}

// Healthy reports the outcome of the last probe; false before the first.
func (p *Prober) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known && p.healthy
}

// LastError returns the error from the last failed probe.
func (p *Prober) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// NextRunTime parses a schedule and returns its next activation after t.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
