// Package cliente is the reference pipeline shipped with the binary: a
// customer entity unified from master-data and contact events, fanned out
// to a CRM destination.
package cliente

import (
	"github.com/centraal-api/clientflow/pkg/schema"
)

// Containers and queue names for the customer pipeline.
const (
	Queue            = "clientes"
	UnifiedContainer = "clientes_unificados"
	AuditContainer   = "auditoria_clientes"

	TopicContacto = "contacto"
	TopicMaestra  = "maestra"
)

// IDSpec keys customers by sales channel plus document number, rendered
// like "web-1099".
var IDSpec = schema.MustIDSpec("cliente", "-",
	schema.StringField("canal"),
	schema.IntField("documento"),
)

// Maestra holds master data for one customer.
type Maestra struct {
	Nombre   string `json:"nombre,omitempty"`
	Apellido string `json:"apellido,omitempty"`
	Segmento string `json:"segmento,omitempty"`
}

// Contacto holds reachability data for one customer.
type Contacto struct {
	Email    string `json:"email,omitempty"`
	Telefono string `json:"telefono,omitempty"`
	Ciudad   string `json:"ciudad,omitempty"`
}

// Cliente is the unified customer record.
type Cliente struct {
	ID       schema.ID `json:"id"`
	Maestra  *Maestra  `json:"maestra,omitempty"`
	Contacto *Contacto `json:"contacto,omitempty"`
}

// Unified is the registered unified-record type for Cliente.
var Unified = schema.MustUnifiedType(Cliente{}, IDSpec)
