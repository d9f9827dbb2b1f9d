package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// Evento is a source message. The composite ID determines the unified
// record the event updates and the broker session it rides on.
type Evento interface {
	EventoID() ID
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// EventCodec decodes raw JSON into one concrete event model. Decoding is
// strict (unknown fields rejected, validate tags enforced) so that rule
// selection by trial validation fails fast on shape.
type EventCodec struct {
	name   string
	typ    reflect.Type
	idSpec *IDSpec
}

// NewEventCodec registers an event model from a prototype value. The
// prototype must be a struct implementing Evento with at least one
// composite-ID field.
func NewEventCodec(prototype Evento, idSpec *IDSpec) (*EventCodec, error) {
	typ := reflect.TypeOf(prototype)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("event codec: prototype %T must be a struct", prototype)
	}
	if idSpec == nil {
		return nil, fmt.Errorf("event codec %s: nil id spec", typ.Name())
	}
	hasID := false
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).Type == idType {
			hasID = true
			break
		}
	}
	if !hasID {
		return nil, fmt.Errorf("event codec %s: no composite-ID field", typ.Name())
	}
	return &EventCodec{name: typ.Name(), typ: typ, idSpec: idSpec}, nil
}

// MustEventCodec is NewEventCodec that panics on error.
func MustEventCodec(prototype Evento, idSpec *IDSpec) *EventCodec {
	c, err := NewEventCodec(prototype, idSpec)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the event model's type name; rule names derive from it.
func (c *EventCodec) Name() string { return c.name }

// Decode parses and validates raw JSON as this event model, resolving every
// composite-ID field against the codec's spec. A validated event with a
// zero ID is rejected.
func (c *EventCodec) Decode(raw []byte) (Evento, error) {
	v := reflect.New(c.typ)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	for i := 0; i < c.typ.NumField(); i++ {
		if c.typ.Field(i).Type != idType {
			continue
		}
		idField := v.Elem().Field(i).Addr().Interface().(*ID)
		if err := idField.Resolve(c.idSpec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
	}
	if err := validate.Struct(v.Interface()); err != nil {
		return nil, fmt.Errorf("validate %s: %w", c.name, err)
	}

	ev, ok := v.Interface().(Evento)
	if !ok {
		ev, ok = v.Elem().Interface().(Evento)
	}
	if !ok {
		return nil, fmt.Errorf("event codec %s: type does not implement Evento", c.name)
	}
	if err := c.checkID(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *EventCodec) checkID(ev Evento) error {
	if ev.EventoID().IsZero() {
		return fmt.Errorf("event %s: %w", c.name, ErrUnderspecifiedID)
	}
	return nil
}

// EncodeEvent serializes a validated event for queue publication. Null
// fields are elided per the model's omitempty tags.
func EncodeEvent(ev Evento) (json.RawMessage, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}
