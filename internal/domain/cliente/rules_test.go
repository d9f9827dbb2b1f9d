package cliente

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("error", "json")
}

func TestSelector_RoutesBothEventModels(t *testing.T) {
	sel, err := NewSelector()
	require.NoError(t, err)

	ev, rule, err := sel.Select([]byte(`{"id":"web-1099","nombre":"Ana","apellido":"Mora"}`))
	require.NoError(t, err)
	assert.Equal(t, "EventoMaestra", rule.Name)
	assert.Equal(t, "web-1099", ev.EventoID().Render())

	_, rule, err = sel.Select([]byte(`{"id":"web-1099","email":"ana@x.co"}`))
	require.NoError(t, err)
	assert.Equal(t, "EventoContacto", rule.Name)
}

func TestMaestraProcessor_CreatesAndMerges(t *testing.T) {
	id, err := IDSpec.New("web", 1099)
	require.NoError(t, err)

	ev := &EventoMaestra{ID: id, Nombre: "Ana", Apellido: "Mora"}
	out, err := maestraProcessor{}.ProcessMessage(context.Background(), ev, nil)
	require.NoError(t, err)

	c := out.(*Cliente)
	assert.Equal(t, "web-1099", c.ID.Render())
	require.NotNil(t, c.Maestra)
	assert.Equal(t, "Ana", c.Maestra.Nombre)

	// A later event without segment keeps the stored one.
	c.Maestra.Segmento = "premium"
	ev2 := &EventoMaestra{ID: id, Nombre: "Ana Maria", Apellido: "Mora"}
	out, err = maestraProcessor{}.ProcessMessage(context.Background(), ev2, c)
	require.NoError(t, err)

	c = out.(*Cliente)
	assert.Equal(t, "Ana Maria", c.Maestra.Nombre)
	assert.Equal(t, "premium", c.Maestra.Segmento)
}

func TestContactoProcessor_PreservesOtherSubschemas(t *testing.T) {
	id, err := IDSpec.New("web", 1099)
	require.NoError(t, err)

	current := &Cliente{ID: id, Maestra: &Maestra{Nombre: "Ana"}}
	ev := &EventoContacto{ID: id, Email: "ana@x.co", Ciudad: "Bogota"}

	out, err := contactoProcessor{}.ProcessMessage(context.Background(), ev, current)
	require.NoError(t, err)

	c := out.(*Cliente)
	require.NotNil(t, c.Maestra)
	assert.Equal(t, "Ana", c.Maestra.Nombre)
	require.NotNil(t, c.Contacto)
	assert.Equal(t, "ana@x.co", c.Contacto.Email)
	assert.Equal(t, "Bogota", c.Contacto.Ciudad)
}

func TestCRMMapping(t *testing.T) {
	id, err := IDSpec.New("web", 1099)
	require.NoError(t, err)

	t.Run("no contact data is ignored", func(t *testing.T) {
		payload, err := crmMapping(&Cliente{ID: id})
		require.NoError(t, err)
		assert.Nil(t, payload)
	})

	t.Run("full record maps", func(t *testing.T) {
		payload, err := crmMapping(&Cliente{
			ID:       id,
			Maestra:  &Maestra{Nombre: "Ana", Apellido: "Mora"},
			Contacto: &Contacto{Email: "ana@x.co", Ciudad: "Bogota"},
		})
		require.NoError(t, err)
		assert.Equal(t, "web-1099", payload["external_id"])
		assert.Equal(t, "ana@x.co", payload["email"])
		assert.Equal(t, "Ana Mora", payload["name"])
		assert.Equal(t, "Bogota", payload["city"])
		assert.Nil(t, payload["phone"])
	})
}
