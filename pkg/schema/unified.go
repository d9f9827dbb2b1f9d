package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// SubesquemaRoot is the synthetic subschema tag for fields that live at the
// record root (the composite-ID fields) in diffs and audit entries.
const SubesquemaRoot = "root"

// SchemaDefinitionError reports an invalid unified-record type. It is raised
// at type-registration time, before any message is processed.
type SchemaDefinitionError struct {
	Type   string
	Field  string
	Reason string
}

func (e *SchemaDefinitionError) Error() string {
	return fmt.Sprintf("unified schema %s: field %s: %s", e.Type, e.Field, e.Reason)
}

// Leaf is one scalar field inside a subschema.
type Leaf struct {
	Name  string
	index int
}

// UnifiedField is one declared top-level field of a unified record, in
// declaration order. Either a subschema (structured record) or a non-key
// composite-ID reference emitted under the "root" tag.
type UnifiedField struct {
	Name      string
	Subschema bool
	Leaves    []Leaf

	index int
	ptr   bool
}

var (
	idType   = reflect.TypeOf(ID{})
	timeType = reflect.TypeOf(time.Time{})
)

// UnifiedType is the registered reflection view of a unified-record Go
// struct. The struct must declare a key field of type ID tagged "id"; every
// other exported field must be a structured record (one nesting level) or a
// composite-ID reference. Scalars at the root are rejected.
type UnifiedType struct {
	name    string
	typ     reflect.Type
	idSpec  *IDSpec
	idIndex int
	fields  []UnifiedField
}

// NewUnifiedType validates and registers a unified-record type from a
// prototype value (a T or *T struct). Violations return
// *SchemaDefinitionError; call this at startup so definition problems are
// fatal before message processing begins.
func NewUnifiedType(prototype any, idSpec *IDSpec) (*UnifiedType, error) {
	typ := reflect.TypeOf(prototype)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil, &SchemaDefinitionError{Type: fmt.Sprintf("%T", prototype), Reason: "prototype must be a struct"}
	}
	if idSpec == nil {
		return nil, &SchemaDefinitionError{Type: typ.Name(), Reason: "nil id spec"}
	}

	ut := &UnifiedType{name: typ.Name(), typ: typ, idSpec: idSpec, idIndex: -1}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name := jsonName(f)
		if name == "" {
			continue
		}

		if f.Type == idType {
			if name == "id" && ut.idIndex < 0 {
				ut.idIndex = i
				continue
			}
			// Reference to another entity's key: a root-tagged field.
			ut.fields = append(ut.fields, UnifiedField{Name: name, index: i})
			continue
		}

		st := f.Type
		isPtr := st.Kind() == reflect.Pointer
		if isPtr {
			st = st.Elem()
		}
		if st.Kind() != reflect.Struct || st == timeType {
			return nil, &SchemaDefinitionError{
				Type:   typ.Name(),
				Field:  f.Name,
				Reason: "must be a structured record (subschema); scalars are not allowed at the root",
			}
		}

		leaves, err := subschemaLeaves(typ.Name(), f.Name, st)
		if err != nil {
			return nil, err
		}
		ut.fields = append(ut.fields, UnifiedField{
			Name:      name,
			Subschema: true,
			Leaves:    leaves,
			index:     i,
			ptr:       isPtr,
		})
	}

	if ut.idIndex < 0 {
		return nil, &SchemaDefinitionError{Type: typ.Name(), Field: "id", Reason: "missing composite-ID key field tagged \"id\""}
	}
	return ut, nil
}

// MustUnifiedType is NewUnifiedType that panics on error.
func MustUnifiedType(prototype any, idSpec *IDSpec) *UnifiedType {
	ut, err := NewUnifiedType(prototype, idSpec)
	if err != nil {
		panic(err)
	}
	return ut
}

// subschemaLeaves collects the leaf fields of one subschema in declaration
// order. Exactly one nesting level is allowed: a leaf must not itself be a
// structured record.
func subschemaLeaves(typeName, fieldName string, st reflect.Type) ([]Leaf, error) {
	var leaves []Leaf
	for i := 0; i < st.NumField(); i++ {
		lf := st.Field(i)
		if !lf.IsExported() {
			continue
		}
		name := jsonName(lf)
		if name == "" {
			continue
		}
		lt := lf.Type
		if lt.Kind() == reflect.Pointer {
			lt = lt.Elem()
		}
		if lt.Kind() == reflect.Struct && lt != timeType && lt != idType {
			return nil, &SchemaDefinitionError{
				Type:   typeName,
				Field:  fieldName + "." + lf.Name,
				Reason: "nested structured records are not supported (one level only)",
			}
		}
		leaves = append(leaves, Leaf{Name: name, index: i})
	}
	return leaves, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if comma := strings.Index(tag, ","); comma >= 0 {
		tag = tag[:comma]
	}
	if tag != "" {
		return tag
	}
	return f.Name
}

// Name returns the Go type name of the record.
func (t *UnifiedType) Name() string { return t.name }

// IDSpec returns the composite-ID spec of the key field.
func (t *UnifiedType) IDSpec() *IDSpec { return t.idSpec }

// Fields returns the declared non-key fields in declaration order.
func (t *UnifiedType) Fields() []UnifiedField { return t.fields }

// Subschemas returns the declared subschema names in declaration order.
func (t *UnifiedType) Subschemas() []string {
	var names []string
	for _, f := range t.fields {
		if f.Subschema {
			names = append(names, f.Name)
		}
	}
	return names
}

// HasSubschema reports whether name is a declared subschema.
func (t *UnifiedType) HasSubschema(name string) bool {
	for _, f := range t.fields {
		if f.Subschema && f.Name == name {
			return true
		}
	}
	return false
}

func (t *UnifiedType) structValue(record any) (reflect.Value, error) {
	v := reflect.ValueOf(record)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("unified record %s: nil record", t.name)
		}
		v = v.Elem()
	}
	if v.Type() != t.typ {
		return reflect.Value{}, fmt.Errorf("unified record %s: got %s", t.name, v.Type())
	}
	return v, nil
}

// RecordID returns the composite-ID key of a record instance.
func (t *UnifiedType) RecordID(record any) (ID, error) {
	v, err := t.structValue(record)
	if err != nil {
		return ID{}, err
	}
	return v.Field(t.idIndex).Interface().(ID), nil
}

// FieldValue returns the value of one declared field and whether it is set.
// Nil pointer subschemas are unset; value subschemas are always set.
func (t *UnifiedType) FieldValue(record any, f UnifiedField) (any, bool) {
	v, err := t.structValue(record)
	if err != nil {
		return nil, false
	}
	fv := v.Field(f.index)
	if f.ptr {
		if fv.IsNil() {
			return nil, false
		}
		fv = fv.Elem()
	}
	return fv.Interface(), true
}

// LeafValue returns one leaf value from a subschema value previously
// obtained through FieldValue. Pointer leaves are dereferenced; nil means
// absent.
func (t *UnifiedType) LeafValue(sub any, l Leaf) any {
	if sub == nil {
		return nil
	}
	v := reflect.ValueOf(sub)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	fv := v.Field(l.index)
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil
		}
		fv = fv.Elem()
	}
	return fv.Interface()
}

// Decode parses a JSON document into a new record instance and resolves its
// key against the ID spec. Unknown document fields are tolerated: stored
// documents may carry store metadata.
func (t *UnifiedType) Decode(raw []byte) (any, error) {
	v := reflect.New(t.typ)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.name, err)
	}
	idField := v.Elem().Field(t.idIndex).Addr().Interface().(*ID)
	if err := idField.Resolve(t.idSpec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.name, err)
	}
	return v.Interface(), nil
}

// Validate runs the record's validate tags, as enforced on the
// integration side before any destination call.
func (t *UnifiedType) Validate(record any) error {
	if _, err := t.structValue(record); err != nil {
		return err
	}
	return validate.Struct(record)
}

// Encode serializes a record to its JSON document form. Null-field elision
// follows the record's omitempty tags.
func (t *UnifiedType) Encode(record any) (json.RawMessage, error) {
	if _, err := t.structValue(record); err != nil {
		return nil, err
	}
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.name, err)
	}
	return b, nil
}

// DeepCopy clones a record through its JSON form. The engine hands copies to
// user processors so they cannot mutate engine-held state.
func (t *UnifiedType) DeepCopy(record any) (any, error) {
	raw, err := t.Encode(record)
	if err != nil {
		return nil, err
	}
	return t.Decode(raw)
}
