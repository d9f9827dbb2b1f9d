package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventoContacto struct {
	ID    ID     `json:"id"`
	Email string `json:"email" validate:"required,email"`
}

func (e eventoContacto) EventoID() ID { return e.ID }

func TestEventCodec_DecodeValid(t *testing.T) {
	codec := MustEventCodec(eventoContacto{}, testSpec)
	assert.Equal(t, "eventoContacto", codec.Name())

	ev, err := codec.Decode([]byte(`{"id":"web-1099","email":"ana@x.co"}`))
	require.NoError(t, err)
	assert.Equal(t, "web-1099", ev.EventoID().Render())
	assert.True(t, ev.EventoID().Resolved())
}

func TestEventCodec_Decode_Errors(t *testing.T) {
	codec := MustEventCodec(eventoContacto{}, testSpec)

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown field", `{"id":"web-1099","email":"ana@x.co","extra":1}`},
		{"missing required", `{"id":"web-1099"}`},
		{"invalid email", `{"id":"web-1099","email":"not-an-email"}`},
		{"bad id format", `{"id":"web","email":"ana@x.co"}`},
		{"missing id", `{"email":"ana@x.co"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestNewEventCodec_RequiresIDField(t *testing.T) {
	_, err := NewEventCodec(sinID{}, testSpec)
	assert.Error(t, err)
}

type sinID struct {
	Email string `json:"email"`
}

func (sinID) EventoID() ID { return ID{} }

func TestEncodeEvent_ElidesEmpty(t *testing.T) {
	codec := MustEventCodec(eventoContacto{}, testSpec)
	ev, err := codec.Decode([]byte(`{"id":"web-1099","email":"ana@x.co"}`))
	require.NoError(t, err)

	b, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"web-1099","email":"ana@x.co"}`, string(b))
}
