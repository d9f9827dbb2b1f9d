package cliente

import (
	"fmt"
	"os"

	"github.com/centraal-api/clientflow/pkg/integration"
)

// CRMIntegrationContainer receives one audit document per CRM delivery
// attempt.
const CRMIntegrationContainer = "integraciones_crm"

// crmMapping shapes the unified customer for the CRM contact endpoint. A
// customer without contact data is not relevant to the CRM yet.
func crmMapping(record any) (map[string]any, error) {
	c, ok := record.(*Cliente)
	if !ok {
		return nil, fmt.Errorf("cliente: unexpected record type %T", record)
	}
	if c.Contacto == nil || c.Contacto.Email == "" {
		return nil, nil
	}

	var nombre any
	if c.Maestra != nil && c.Maestra.Nombre != "" {
		nombre = c.Maestra.Nombre + " " + c.Maestra.Apellido
	}
	return map[string]any{
		"external_id": c.ID.Render(),
		"email":       c.Contacto.Email,
		"phone":       emptyToNil(c.Contacto.Telefono),
		"city":        emptyToNil(c.Contacto.Ciudad),
		"name":        nombre,
	}, nil
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CRMOAuthFromEnv reads the CRM credentials the deployment provides.
// CRM_API_URL is the base URL; CRM_TOKEN_RESOURCE the token path under it.
func CRMOAuthFromEnv() integration.OAuthConfig {
	return integration.OAuthConfig{
		ClientID:            os.Getenv("CRM_CLIENT_ID"),
		ClientSecret:        os.Getenv("CRM_CLIENT_SECRET"),
		Username:            os.Getenv("CRM_USERNAME"),
		Password:            os.Getenv("CRM_PASSWORD"),
		TokenResource:       os.Getenv("CRM_TOKEN_RESOURCE"),
		APIURL:              os.Getenv("CRM_API_URL"),
		UseURLParamsForAuth: os.Getenv("CRM_AUTH_IN_URL") == "true",
	}
}

// CRMResourceFromEnv reads the contact resource path, defaulting to the
// CRM's standard contacts endpoint.
func CRMResourceFromEnv() string {
	if r := os.Getenv("CRM_RESOURCE"); r != "" {
		return r
	}
	return "contacts"
}

// NewCRMRule builds the CRM delivery rule for the contact topic.
func NewCRMRule(oauth integration.OAuthConfig, resource string, retry integration.RetryPolicy) *integration.Rule {
	rest := integration.NewRESTIntegration(oauth, resource, crmMapping)
	return integration.NewRule("crm_contacto", Unified, CRMIntegrationContainer, rest,
		integration.WithRetryPolicy(retry),
	)
}
