// Package schema defines the data model of the pipeline: composite IDs,
// unified records, source events and audit entries.
//
// A unified record is the canonical merged document for one entity. Its key
// is a composite ID: an ordered tuple of named fields rendered as a single
// string with a declared separator.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSeparator joins ID fields when the spec does not override it.
const DefaultSeparator = "-"

// ErrUnderspecifiedID is returned when an ID spec declares no fields, or an
// ID value is built without any field values.
var ErrUnderspecifiedID = errors.New("composite id: no fields specified")

// FormatError reports a string that cannot be parsed as a composite ID.
type FormatError struct {
	Spec   string
	Raw    string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid id format for %s: %q: %s", e.Spec, e.Raw, e.Reason)
}

// FieldKind is the declared type of one ID field.
type FieldKind int

const (
	// KindString fields pass through verbatim.
	KindString FieldKind = iota
	// KindInt fields are rendered base-10 and parsed with strconv.
	KindInt
)

// IDField declares one position of a composite ID.
type IDField struct {
	Name string
	Kind FieldKind
}

// StringField declares a string-typed ID field.
func StringField(name string) IDField { return IDField{Name: name, Kind: KindString} }

// IntField declares an int-typed ID field.
func IntField(name string) IDField { return IDField{Name: name, Kind: KindInt} }

// IDSpec is the type identity of a composite ID: field order and separator
// are part of the identity. Two IDs with equal rendered strings but distinct
// specs are distinct.
type IDSpec struct {
	name      string
	separator string
	fields    []IDField
}

// NewIDSpec declares a composite ID type. Field order is the declaration
// order exactly; it is never reordered. An empty separator selects
// DefaultSeparator.
func NewIDSpec(name, separator string, fields ...IDField) (*IDSpec, error) {
	if len(fields) == 0 {
		return nil, ErrUnderspecifiedID
	}
	if separator == "" {
		separator = DefaultSeparator
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("id spec %s: field with empty name", name)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("id spec %s: duplicate field %q", name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return &IDSpec{name: name, separator: separator, fields: fields}, nil
}

// MustIDSpec is NewIDSpec that panics on error. For package-level spec vars.
func MustIDSpec(name, separator string, fields ...IDField) *IDSpec {
	s, err := NewIDSpec(name, separator, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the declared spec name.
func (s *IDSpec) Name() string { return s.name }

// Separator returns the effective separator.
func (s *IDSpec) Separator() string { return s.separator }

// Arity returns the number of declared fields.
func (s *IDSpec) Arity() int { return len(s.fields) }

// New builds an ID from field values given in declaration order. String
// fields accept string, int fields accept int or int64.
func (s *IDSpec) New(values ...any) (ID, error) {
	if len(values) == 0 {
		return ID{}, ErrUnderspecifiedID
	}
	if len(values) != len(s.fields) {
		return ID{}, &FormatError{
			Spec:   s.name,
			Raw:    fmt.Sprint(values...),
			Reason: fmt.Sprintf("expected %d values, got %d", len(s.fields), len(values)),
		}
	}
	coerced := make([]any, len(values))
	for i, v := range values {
		c, err := coerceValue(s.fields[i], v)
		if err != nil {
			return ID{}, &FormatError{Spec: s.name, Raw: fmt.Sprint(v), Reason: err.Error()}
		}
		coerced[i] = c
	}
	id := ID{spec: s, values: coerced}
	id.rendered = id.renderValues()
	return id, nil
}

// Parse splits raw by the spec separator and coerces each part to its
// declared field type. The part count must equal the declared arity.
func (s *IDSpec) Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, &FormatError{Spec: s.name, Raw: raw, Reason: "empty string"}
	}
	parts := strings.Split(raw, s.separator)
	if len(parts) != len(s.fields) {
		return ID{}, &FormatError{
			Spec:   s.name,
			Raw:    raw,
			Reason: fmt.Sprintf("expected %d parts separated by %q, got %d", len(s.fields), s.separator, len(parts)),
		}
	}
	values := make([]any, len(parts))
	for i, part := range parts {
		v, err := parsePart(s.fields[i], part)
		if err != nil {
			return ID{}, &FormatError{Spec: s.name, Raw: raw, Reason: err.Error()}
		}
		values[i] = v
	}
	return ID{spec: s, values: values, rendered: raw}, nil
}

func coerceValue(f IDField, v any) (any, error) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: expected string, got %T", f.Name, v)
		}
		return s, nil
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		default:
			return nil, fmt.Errorf("field %s: expected int, got %T", f.Name, v)
		}
	}
	return nil, fmt.Errorf("field %s: unknown kind", f.Name)
}

func parsePart(f IDField, part string) (any, error) {
	switch f.Kind {
	case KindInt:
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not an integer", f.Name, part)
		}
		return n, nil
	default:
		return part, nil
	}
}

// ID is an immutable composite ID value. The zero ID is unset.
//
// An ID decoded from JSON without a spec is unresolved: it carries only the
// rendered string until Resolve binds it to a spec. Unified and event codecs
// resolve IDs right after decoding.
type ID struct {
	spec     *IDSpec
	values   []any
	rendered string
}

// Render returns the canonical string form: field values in declaration
// order joined by the spec separator. The separator itself is never emitted
// as a value.
func (id ID) Render() string {
	if id.rendered != "" {
		return id.rendered
	}
	return id.renderValues()
}

func (id ID) renderValues() string {
	if id.spec == nil {
		return id.rendered
	}
	parts := make([]string, len(id.values))
	for i, v := range id.values {
		switch n := v.(type) {
		case int64:
			parts[i] = strconv.FormatInt(n, 10)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, id.spec.separator)
}

// String implements fmt.Stringer; session ids on the broker use this form.
func (id ID) String() string { return id.Render() }

// IsZero reports whether the ID carries no value at all.
func (id ID) IsZero() bool { return id.spec == nil && id.rendered == "" }

// Resolved reports whether the ID is bound to a spec.
func (id ID) Resolved() bool { return id.spec != nil }

// Value returns the coerced value of the named field.
func (id ID) Value(name string) (any, bool) {
	if id.spec == nil {
		return nil, false
	}
	for i, f := range id.spec.fields {
		if f.Name == name {
			return id.values[i], true
		}
	}
	return nil, false
}

// Equal compares IDs over rendered string plus declared type. Unresolved
// IDs compare equal only to unresolved IDs with the same rendered form.
func (id ID) Equal(other ID) bool {
	return id.spec == other.spec && id.Render() == other.Render()
}

// Resolve parses the rendered form against spec, binding the ID to the
// declared type. Resolving an empty ID fails with ErrUnderspecifiedID.
func (id *ID) Resolve(spec *IDSpec) error {
	if id.rendered == "" && id.spec == nil {
		return ErrUnderspecifiedID
	}
	parsed, err := spec.Parse(id.Render())
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalJSON emits the rendered string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Render())
}

// UnmarshalJSON accepts a rendered string; the result is unresolved until
// Resolve is called with the owning spec.
func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("composite id: %w", err)
	}
	*id = ID{rendered: s}
	return nil
}
