package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes LLM errors for logs and metrics.
type ErrorClass string

const (
	ErrorClassNone            ErrorClass = "NONE"
	ErrorClassUnavailable     ErrorClass = "UNAVAILABLE"
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an LLM error for known provider patterns and
// returns the most specific class.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassNone
	case errors.Is(err, ErrLLMUnavailable):
		return ErrorClassUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "api key not valid", "forbidden", "403") {
		return ErrorClassAuth
	}
	if containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted") {
		return ErrorClassRateLimit
	}
	if containsAny(msg, "deadline exceeded", "timeout", "timed out") {
		return ErrorClassTimeout
	}
	if containsAny(msg, "billing", "payment", "insufficient funds") {
		return ErrorClassBilling
	}
	if containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window") {
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
