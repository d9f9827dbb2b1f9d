package cliente

import (
	"github.com/centraal-api/clientflow/pkg/schema"
)

// EventoMaestra carries master-data updates from the ERP.
type EventoMaestra struct {
	ID       schema.ID `json:"id"`
	Nombre   string    `json:"nombre" validate:"required"`
	Apellido string    `json:"apellido" validate:"required"`
	Segmento string    `json:"segmento,omitempty"`
}

// EventoID returns the customer the event updates.
func (e EventoMaestra) EventoID() schema.ID { return e.ID }

// EventoContacto carries reachability updates from the web channel.
type EventoContacto struct {
	ID       schema.ID `json:"id"`
	Email    string    `json:"email" validate:"required,email"`
	Telefono string    `json:"telefono,omitempty"`
	Ciudad   string    `json:"ciudad,omitempty"`
}

// EventoID returns the customer the event updates.
func (e EventoContacto) EventoID() schema.ID { return e.ID }

// Codecs for the pipeline's event models.
var (
	MaestraCodec  = schema.MustEventCodec(EventoMaestra{}, IDSpec)
	ContactoCodec = schema.MustEventCodec(EventoContacto{}, IDSpec)
)
