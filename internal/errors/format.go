package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForCLI formats an error for terminal output.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ke, ok := as(err)
	if !ok {
		ke = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", ke.Message)
	if ke.Cause != nil && ke.Cause.Error() != ke.Message {
		fmt.Fprintf(&sb, "  Cause: %v\n", ke.Cause)
	}
	if ke.Suggestion != "" {
		fmt.Fprintf(&sb, "  Hint: %s\n", ke.Suggestion)
	}
	fmt.Fprintf(&sb, "  Code: %s\n", ke.Code)
	return sb.String()
}

type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error for machine-readable
// output.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ke, ok := as(err)
	if !ok {
		ke = Wrap(ErrCodeInternal, err)
	}

	je := jsonError{
		Code:       ke.Code,
		Message:    ke.Message,
		Category:   string(ke.Category),
		Severity:   string(ke.Severity),
		Details:    ke.Details,
		Suggestion: ke.Suggestion,
		Retryable:  ke.Retryable,
	}
	if ke.Cause != nil {
		je.Cause = ke.Cause.Error()
	}
	return json.Marshal(je)
}

// LogAttrs returns key/value pairs for slog. Plain errors yield only "error".
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	ke, ok := as(err)
	if !ok {
		return []any{"error", err.Error()}
	}

	attrs := []any{
		"error", ke.Error(),
		"error_code", ke.Code,
		"category", string(ke.Category),
		"retryable", ke.Retryable,
	}
	for k, v := range ke.Details {
		attrs = append(attrs, "detail_"+k, v)
	}
	return attrs
}
