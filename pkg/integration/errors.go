// Package integration implements destination-specific delivery rules: a
// topic message is validated against the unified schema, transformed to a
// destination payload, delivered over authenticated REST with exponential
// backoff, and every attempt is recorded in the integration audit.
package integration

import (
	"fmt"
)

// ContractViolationError reports a programming error in a rule
// implementation: a missing body-sent payload or a record without an id.
// Raised immediately, never retried.
type ContractViolationError struct {
	Rule   string
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("integration rule %s: contract violation: %s", e.Rule, e.Reason)
}

// UnifiedValidationError reports a topic message that does not satisfy the
// unified schema. Run re-raises it: an invalid message is never silently
// swallowed on this path.
type UnifiedValidationError struct {
	Model string

	// Detail is a valid JSON string describing the validation failure,
	// suitable for storing in a document container.
	Detail string

	Err error
}

func (e *UnifiedValidationError) Error() string {
	return fmt.Sprintf("message does not satisfy unified schema %s: %v", e.Model, e.Err)
}

func (e *UnifiedValidationError) Unwrap() error { return e.Err }

// ValidationError marks a validation failure inside user integration code
// (typically the output model). It is captured into a failed
// IntegrationResult and audited, not raised and not retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("integration validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx destination response. Transient: it
// bubbles into the retry helper.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %s", e.Status)
}
