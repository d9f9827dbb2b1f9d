package errors

// Error code constants used by the ingress surface. Errors carry code +
// message; the caller decides how to present them.

// Event ingestion error codes.
const (
	CodeEventInvalid     = "EVENT_INVALID"
	CodeEventBodyInvalid = "EVENT_BODY_INVALID"
	CodeBrokerUnavail    = "BROKER_UNAVAILABLE"
)

// Pipeline error codes.
const (
	CodeNoMatchingRule   = "NO_MATCHING_RULE"
	CodeValidationFailed = "VALIDATION_FAILED"
)
