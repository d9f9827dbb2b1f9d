package cliente

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/centraal-api/clientflow/internal/app"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/engine"
	"github.com/centraal-api/clientflow/pkg/ingress"
	"github.com/centraal-api/clientflow/pkg/schema"
)

// base returns the record to merge into, creating it for new customers.
func base(ev schema.Evento, current any) (*Cliente, error) {
	if current == nil {
		return &Cliente{ID: ev.EventoID()}, nil
	}
	c, ok := current.(*Cliente)
	if !ok {
		return nil, fmt.Errorf("cliente: unexpected record type %T", current)
	}
	return c, nil
}

type maestraProcessor struct{}

func (maestraProcessor) ProcessMessage(_ context.Context, event schema.Evento, current any) (any, error) {
	ev, ok := event.(*EventoMaestra)
	if !ok {
		return nil, fmt.Errorf("cliente: unexpected event type %T", event)
	}
	c, err := base(ev, current)
	if err != nil {
		return nil, err
	}
	if c.Maestra == nil {
		c.Maestra = &Maestra{}
	}
	c.Maestra.Nombre = ev.Nombre
	c.Maestra.Apellido = ev.Apellido
	if ev.Segmento != "" {
		c.Maestra.Segmento = ev.Segmento
	}
	return c, nil
}

type contactoProcessor struct{}

func (contactoProcessor) ProcessMessage(_ context.Context, event schema.Evento, current any) (any, error) {
	ev, ok := event.(*EventoContacto)
	if !ok {
		return nil, fmt.Errorf("cliente: unexpected event type %T", event)
	}
	c, err := base(ev, current)
	if err != nil {
		return nil, err
	}
	if c.Contacto == nil {
		c.Contacto = &Contacto{}
	}
	c.Contacto.Email = ev.Email
	if ev.Telefono != "" {
		c.Contacto.Telefono = ev.Telefono
	}
	if ev.Ciudad != "" {
		c.Contacto.Ciudad = ev.Ciudad
	}
	return c, nil
}

// NewSelector builds the pipeline's rule selector. Maestra events go
// first: an ERP payload that also looks like a contact update must merge
// as master data.
func NewSelector() (*engine.Selector, error) {
	sel := engine.NewSelector(Unified)
	rules := []*engine.Rule{
		{Model: MaestraCodec, Processor: maestraProcessor{}, Topics: []string{TopicMaestra}},
		{Model: ContactoCodec, Processor: contactoProcessor{}, Topics: []string{TopicContacto}},
	}
	for _, r := range rules {
		if err := sel.Register(r); err != nil {
			return nil, err
		}
	}
	return sel, nil
}

// singleEventProcessor decodes one payload as exactly one event.
func singleEventProcessor(codec *schema.EventCodec) ingress.EventProcessor {
	return ingress.EventProcessorFunc(func(_ context.Context, body json.RawMessage) ([]schema.Evento, error) {
		ev, err := codec.Decode(body)
		if err != nil {
			return nil, err
		}
		return []schema.Evento{ev}, nil
	})
}

// NewPipeline assembles the customer pipeline: push receivers for the web
// and ERP sources, the merge rules, and the CRM integration bindings.
func NewPipeline(publisher broker.Client, bindings ...app.IntegrationBinding) (*app.Pipeline, error) {
	sel, err := NewSelector()
	if err != nil {
		return nil, err
	}
	return &app.Pipeline{
		Queue:            Queue,
		UnifiedContainer: UnifiedContainer,
		AuditContainer:   AuditContainer,
		Selector:         sel,
		Receivers: []*ingress.Receiver{
			ingress.NewReceiver("web", Queue, singleEventProcessor(ContactoCodec), publisher),
			ingress.NewReceiver("erp", Queue, singleEventProcessor(MaestraCodec), publisher),
		},
		Integrations: bindings,
	}, nil
}
