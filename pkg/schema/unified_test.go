package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSpec = MustIDSpec("cliente", "-", StringField("canal"), IntField("documento"))

type maestra struct {
	Nombre   string `json:"nombre,omitempty"`
	Segmento string `json:"segmento,omitempty"`
}

type contacto struct {
	Email    string `json:"email,omitempty"`
	Telefono string `json:"telefono,omitempty"`
}

type cliente struct {
	ID       ID        `json:"id"`
	Maestra  *maestra  `json:"maestra,omitempty"`
	Contacto *contacto `json:"contacto,omitempty"`
}

func TestNewUnifiedType_Valid(t *testing.T) {
	ut, err := NewUnifiedType(cliente{}, testSpec)
	require.NoError(t, err)

	assert.Equal(t, "cliente", ut.Name())
	assert.Equal(t, []string{"maestra", "contacto"}, ut.Subschemas())
	assert.True(t, ut.HasSubschema("maestra"))
	assert.False(t, ut.HasSubschema("root"))
}

func TestNewUnifiedType_RejectsRootScalar(t *testing.T) {
	type bad struct {
		ID     ID     `json:"id"`
		Nombre string `json:"nombre"`
	}
	_, err := NewUnifiedType(bad{}, testSpec)
	var derr *SchemaDefinitionError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "Nombre", derr.Field)
}

func TestNewUnifiedType_RejectsNestedSubschema(t *testing.T) {
	type inner struct {
		X string `json:"x"`
	}
	type sub struct {
		Inner inner `json:"inner"`
	}
	type bad struct {
		ID  ID  `json:"id"`
		Sub sub `json:"sub"`
	}
	_, err := NewUnifiedType(bad{}, testSpec)
	var derr *SchemaDefinitionError
	require.ErrorAs(t, err, &derr)
}

func TestNewUnifiedType_RequiresKeyField(t *testing.T) {
	type bad struct {
		Maestra *maestra `json:"maestra,omitempty"`
	}
	_, err := NewUnifiedType(bad{}, testSpec)
	var derr *SchemaDefinitionError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "id", derr.Field)
}

func TestNewUnifiedType_AllowsRootIDReference(t *testing.T) {
	type conReferencia struct {
		ID         ID       `json:"id"`
		VendedorID ID       `json:"vendedor_id"`
		Maestra    *maestra `json:"maestra,omitempty"`
	}
	ut, err := NewUnifiedType(conReferencia{}, testSpec)
	require.NoError(t, err)

	fields := ut.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, "vendedor_id", fields[0].Name)
	assert.False(t, fields[0].Subschema)
	assert.True(t, fields[1].Subschema)
}

func TestUnifiedType_DecodeResolvesKey(t *testing.T) {
	ut := MustUnifiedType(cliente{}, testSpec)

	rec, err := ut.Decode([]byte(`{"id":"web-1099","maestra":{"nombre":"Ana"}}`))
	require.NoError(t, err)

	id, err := ut.RecordID(rec)
	require.NoError(t, err)
	assert.True(t, id.Resolved())
	assert.Equal(t, "web-1099", id.Render())

	c := rec.(*cliente)
	require.NotNil(t, c.Maestra)
	assert.Equal(t, "Ana", c.Maestra.Nombre)
}

func TestUnifiedType_Decode_BadKeyFormat(t *testing.T) {
	ut := MustUnifiedType(cliente{}, testSpec)
	_, err := ut.Decode([]byte(`{"id":"solo-un-canal-extra"}`))
	assert.Error(t, err)
}

func TestUnifiedType_DeepCopyIsIndependent(t *testing.T) {
	ut := MustUnifiedType(cliente{}, testSpec)
	rec, err := ut.Decode([]byte(`{"id":"web-1099","contacto":{"email":"ana@x.co"}}`))
	require.NoError(t, err)

	cp, err := ut.DeepCopy(rec)
	require.NoError(t, err)

	cp.(*cliente).Contacto.Email = "otra@x.co"
	assert.Equal(t, "ana@x.co", rec.(*cliente).Contacto.Email)
}

func TestUnifiedType_FieldAndLeafValues(t *testing.T) {
	ut := MustUnifiedType(cliente{}, testSpec)
	rec, err := ut.Decode([]byte(`{"id":"web-1099","maestra":{"nombre":"Ana"}}`))
	require.NoError(t, err)

	var maestraField, contactoField UnifiedField
	for _, f := range ut.Fields() {
		switch f.Name {
		case "maestra":
			maestraField = f
		case "contacto":
			contactoField = f
		}
	}

	sub, set := ut.FieldValue(rec, maestraField)
	require.True(t, set)
	assert.Equal(t, "Ana", ut.LeafValue(sub, maestraField.Leaves[0]))

	_, set = ut.FieldValue(rec, contactoField)
	assert.False(t, set)
}
