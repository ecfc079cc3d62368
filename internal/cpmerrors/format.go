package cpmerrors

import (
	"encoding/json"
	"fmt"
)

// jsonError is the JSON representation of an error, for machine consumption
// and structured logging — never includes raw Cause text from transports
// that may carry credentials; callers must redact before wrapping.
type jsonError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Kind      string            `json:"kind"`
	Severity  string            `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}
	ae, ok := err.(*Error)
	if !ok {
		ae = Wrap(ErrCodeInternal, err)
	}
	return json.Marshal(jsonError{
		Code:      ae.Code,
		Message:   ae.Message,
		Kind:      string(ae.Kind),
		Severity:  string(ae.Severity),
		Details:   ae.Details,
		Retryable: ae.Retryable,
	})
}

// FormatForLog formats an error as slog-ready key-value attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}
	ae, ok := err.(*Error)
	if !ok {
		return map[string]any{"error": err.Error()}
	}
	result := map[string]any{
		"error_code": ae.Code,
		"message":    ae.Message,
		"kind":       string(ae.Kind),
		"severity":   string(ae.Severity),
		"retryable":  ae.Retryable,
	}
	for k, v := range ae.Details {
		result["detail_"+k] = v
	}
	return result
}

// FormatForCLI formats an error for CLI output, exit-code-1 style.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	ae, ok := err.(*Error)
	if !ok {
		ae = Wrap(ErrCodeInternal, err)
	}
	return fmt.Sprintf("Error: %s\n  Code: %s\n", ae.Message, ae.Code)
}
