package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validationErrorDetail is the document-friendly shape of one validation
// failure, suitable for storing inside an audit entry.
type validationErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// SerializeValidationErrors flattens a validation error into a JSON string
// that can be stored verbatim in a document container.
func SerializeValidationErrors(err error) string {
	var details []validationErrorDetail

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details = append(details, validationErrorDetail{
				Field:   fe.Namespace(),
				Tag:     fe.Tag(),
				Param:   fe.Param(),
				Message: fe.Error(),
			})
		}
	} else {
		details = append(details, validationErrorDetail{
			Message: fmt.Sprintf("%s: %s", errType(err), err.Error()),
		})
	}

	b, merr := json.Marshal(details)
	if merr != nil {
		return fmt.Sprintf(`[{"message":%q}]`, err.Error())
	}
	return string(b)
}

func errType(err error) string {
	return fmt.Sprintf("%T", err)
}

// ValidationDetailJSON builds a valid JSON string carrying a serialized
// validation error plus human-readable detail.
func ValidationDetailJSON(errorMessage, additionalInfo string) string {
	payload := map[string]string{"error_validacion": errorMessage}
	if additionalInfo != "" {
		payload["error_validacion_detalle"] = additionalInfo
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error_validacion":%q}`, errorMessage)
	}
	return string(b)
}
