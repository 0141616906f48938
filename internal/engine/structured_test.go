package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestExtractJSON_FencedBlock(t *testing.T) {
	input := "Here you go:\n```json\n{\"status\": \"completed\", \"message\": \"1 USD = 0.92 EUR\"}\n```\nDone."
	got := extractJSON(input)
	if got == "" || !isJSON(got) {
		t.Fatalf("expected JSON from fenced block, got %q", got)
	}
}

func TestExtractJSON_GenericFenced(t *testing.T) {
	input := "Output:\n```\n{\"status\": \"error\", \"message\": \"bad\"}\n```\n"
	if got := extractJSON(input); !isJSON(got) {
		t.Fatalf("expected JSON from generic fence, got %q", got)
	}
}

func TestExtractJSON_RawObject(t *testing.T) {
	input := `{"status": "completed", "message": "ok"}`
	if got := extractJSON(input); got != input {
		t.Fatalf("expected %q, got %q", input, got)
	}
}

func TestExtractJSON_TextAroundJSON(t *testing.T) {
	input := `Sure. {"status": "input_required", "message": "Which currency?"} Let me know.`
	want := `{"status": "input_required", "message": "Which currency?"}`
	if got := extractJSON(input); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	if got := extractJSON("1 USD is about 0.92 EUR today."); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestExtractBalanced(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{`{"a": 1`, ""},
		{`{"a": "}{"} tail`, `{"a": "}{"}`},
		{`{"a": "say \"hi\" }"}x`, `{"a": "say \"hi\" }"}`},
		{`[1, [2, 3]] rest`, `[1, [2, 3]]`},
		{`abc`, ""},
	}
	for _, tt := range tests {
		if got := extractBalanced(tt.in); got != tt.want {
			t.Errorf("extractBalanced(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newValidator(t *testing.T) *ResponseValidator {
	t.Helper()
	v, err := NewResponseValidator(ResponseSchema)
	if err != nil {
		t.Fatalf("compile response schema: %v", err)
	}
	return v
}

func TestParse_Valid(t *testing.T) {
	v := newValidator(t)
	got, err := v.Parse(`{"status": "completed", "message": "1 USD = 0.79 GBP"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Status != StatusCompleted || got.Message != "1 USD = 0.79 GBP" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestParse_DefaultsToInputRequired(t *testing.T) {
	v := newValidator(t)
	got, err := v.Parse(`{"message": "Which currency do you want to convert to?"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Status != StatusInputRequired {
		t.Fatalf("expected input_required default, got %s", got.Status)
	}
}

func TestParse_Rejections(t *testing.T) {
	v := newValidator(t)
	cases := map[string]string{
		"no json":       "The rate is 0.92.",
		"bad enum":      `{"status": "done", "message": "x"}`,
		"wrong type":    `{"status": "completed", "message": 42}`,
		"missing field": `{"status": "completed"}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(reply)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Raw != reply {
				t.Fatalf("expected raw reply preserved, got %q", verr.Raw)
			}
		})
	}
}

func TestNewResponseValidator_InvalidSchema(t *testing.T) {
	if _, err := NewResponseValidator(json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected error for malformed schema")
	}
	if _, err := NewResponseValidator(json.RawMessage(`{"type": 12}`)); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestSystemPromptMentionsToolAndFormat(t *testing.T) {
	p := SystemPrompt()
	for _, want := range []string{"get_exchange_rate", "input_required", `"enum"`} {
		if !strings.Contains(p, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
}
