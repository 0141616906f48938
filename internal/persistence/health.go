package persistence

import (
	"sync"
	"time"
)

// HealthSnapshot reports store failures that were absorbed by fail-open
// operations, plus the result of the most recent ping.
type HealthSnapshot struct {
	Healthy      bool             `json:"healthy"`
	Errors       int64            `json:"errors"`
	ErrorsByOp   map[string]int64 `json:"errors_by_op,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	LastErrorAt  time.Time        `json:"last_error_at,omitempty"`
	LastPingAt   time.Time        `json:"last_ping_at,omitempty"`
	LastPingFail string           `json:"last_ping_error,omitempty"`
}

type health struct {
	mu           sync.Mutex
	errors       int64
	byOp         map[string]int64
	lastError    string
	lastErrorAt  time.Time
	pingOK       bool
	lastPingAt   time.Time
	lastPingFail string
}

func (h *health) recordError(table, op string, err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
	if h.byOp == nil {
		h.byOp = map[string]int64{}
	}
	h.byOp[table+"."+op]++
	h.lastError = err.Error()
	h.lastErrorAt = at
}

func (h *health) recordPing(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPingAt = at
	h.pingOK = err == nil
	if err != nil {
		h.lastPingFail = err.Error()
	} else {
		h.lastPingFail = ""
	}
}

func (h *health) snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	byOp := make(map[string]int64, len(h.byOp))
	for k, v := range h.byOp {
		byOp[k] = v
	}
	return HealthSnapshot{
		Healthy:      h.pingOK,
		Errors:       h.errors,
		ErrorsByOp:   byOp,
		LastError:    h.lastError,
		LastErrorAt:  h.lastErrorAt,
		LastPingAt:   h.lastPingAt,
		LastPingFail: h.lastPingFail,
	}
}
