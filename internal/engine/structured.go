package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ResponseStatus is the model's verdict on the request.
type ResponseStatus string

const (
	StatusInputRequired ResponseStatus = "input_required"
	StatusCompleted     ResponseStatus = "completed"
	StatusError         ResponseStatus = "error"
)

// ResponseFormat is the structured reply the model must produce.
type ResponseFormat struct {
	Status  ResponseStatus `json:"status"`
	Message string         `json:"message"`
}

// ResponseSchema constrains ResponseFormat. status may be omitted and then
// defaults to input_required.
var ResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["input_required", "completed", "error"]},
		"message": {"type": "string"}
	},
	"required": ["message"]
}`)

// ResponseValidator checks model replies against a JSON Schema.
type ResponseValidator struct {
	schema *jsonschema.Schema
}

// NewResponseValidator compiles schemaJSON.
func NewResponseValidator(schemaJSON json.RawMessage) (*ResponseValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("response.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("response.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ResponseValidator{schema: schema}, nil
}

// ValidationError describes a reply that does not match the schema.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Parse extracts the JSON object from a model reply, validates it and
// decodes it into a ResponseFormat.
func (v *ResponseValidator) Parse(reply string) (ResponseFormat, error) {
	jsonStr := extractJSON(reply)
	if jsonStr == "" {
		return ResponseFormat{}, &ValidationError{Message: "response does not contain valid JSON", Raw: reply}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return ResponseFormat{}, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: reply}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return ResponseFormat{}, &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: reply}
	}

	var out ResponseFormat
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return ResponseFormat{}, &ValidationError{Message: fmt.Sprintf("decode response: %s", err), Raw: reply}
	}
	if out.Status == "" {
		out.Status = StatusInputRequired
	}
	return out, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// Fenced ```json block.
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	// Generic fenced block.
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// Raw JSON: first balanced { or [.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced JSON structure at the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
