package persistence

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	dbErr := errors.New("connection refused")
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{ErrNotFound, OutcomeNotFound},
		{fmt.Errorf("update task x: %w", ErrNotFound), OutcomeNotFound},
		{fmt.Errorf("create task x: %w", ErrAlreadyExists), OutcomeConflict},
		{fmt.Errorf("task record: empty id: %w", ErrInvalid), OutcomeInvalid},
		{transient("task get", dbErr), OutcomeTransientError},
		{dbErr, OutcomeTransientError},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestTransientWrapping(t *testing.T) {
	base := errors.New("i/o timeout")
	err := transient("checkpoint put", base)
	if !IsTransient(err) {
		t.Fatalf("expected transient, got %T", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected Unwrap to expose the driver error")
	}
	if err.Error() != "checkpoint put: i/o timeout" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if again := transient("outer", err); again != err {
		t.Fatal("expected already-transient error to pass through unchanged")
	}
	if transient("noop", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	if IsTransient(ErrNotFound) {
		t.Fatal("ErrNotFound is not transient")
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeTransientError.String() != "transient_error" || OutcomeInvalid.String() != "invalid" || Outcome(42).String() != "outcome(42)" {
		t.Fatalf("unexpected strings: %s %s %s", OutcomeTransientError, OutcomeInvalid, Outcome(42))
	}
}
