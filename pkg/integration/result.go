package integration

import (
	"errors"
)

// IntegrationResult is the outcome of one integration attempt. BodySent is
// exactly what went to the destination; Response is what came back (or a
// structured validation failure). Both must be non-empty: an empty value
// is a programming error in the rule.
type IntegrationResult struct {
	Success  bool
	Response any
	BodySent map[string]any
}

// NewResult builds a validated IntegrationResult.
func NewResult(success bool, response any, bodySent map[string]any) (IntegrationResult, error) {
	r := IntegrationResult{Success: success, Response: response, BodySent: bodySent}
	if err := r.check(); err != nil {
		return IntegrationResult{}, err
	}
	return r, nil
}

func (r IntegrationResult) check() error {
	if len(r.BodySent) == 0 {
		return errors.New("integration result: bodysent must not be empty")
	}
	if r.Response == nil {
		return errors.New("integration result: response must not be empty")
	}
	if m, ok := r.Response.(map[string]any); ok && len(m) == 0 {
		return errors.New("integration result: response must not be empty")
	}
	return nil
}

// validationFailureResult is the audited shape of a captured validation
// failure inside user integration code.
func validationFailureResult(serializedErrors string) IntegrationResult {
	return IntegrationResult{
		Success:  false,
		Response: map[string]any{"error_validacion": serializedErrors},
		BodySent: map[string]any{"error_validacion": true},
	}
}
