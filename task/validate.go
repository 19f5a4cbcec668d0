package task

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
)

// ValidationError reports a field that failed submission validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateProjectID checks the opaque project token.
func ValidateProjectID(id string) error {
	if id == "" {
		return &ValidationError{Field: "project_id", Message: "project_id is required"}
	}
	if !projectIDPattern.MatchString(id) {
		return &ValidationError{Field: "project_id", Message: "must match [A-Za-z0-9_-]+"}
	}
	return nil
}

// ValidateCallbackURL checks an optional callback URL. Empty is allowed;
// otherwise it must be an absolute http or https URL.
func ValidateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "callback_url", Message: "not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "callback_url", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "callback_url", Message: "must be absolute"}
	}
	return nil
}

// ValidateInput checks the opaque payload for well-formedness and size.
func ValidateInput(input json.RawMessage, maxBytes int) error {
	if len(input) == 0 {
		return &ValidationError{Field: "input", Message: "input is required"}
	}
	if maxBytes > 0 && len(input) > maxBytes {
		return &ValidationError{Field: "input", Message: fmt.Sprintf("exceeds %d byte limit", maxBytes)}
	}
	if !json.Valid(input) {
		return &ValidationError{Field: "input", Message: "not well-formed JSON"}
	}
	return nil
}
