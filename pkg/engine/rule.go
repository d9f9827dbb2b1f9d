// Package engine implements the merge path of the pipeline: rule
// selection by trial validation, strategy-driven merge, structured diff,
// persistence, field-level audit and topic fan-out.
package engine

import (
	"context"

	"github.com/centraal-api/clientflow/pkg/schema"
)

// UpdateProcessor is the user extension point of a rule: it materializes
// the updated unified record for one event.
//
// Contract: the engine passes deep copies of both arguments, so the
// implementation may not rely on mutating engine-held state; it must
// return a fully valid unified record, and may create one from scratch
// when current is nil.
type UpdateProcessor interface {
	ProcessMessage(ctx context.Context, event schema.Evento, current any) (any, error)
}

// Rule binds one event model to its update strategy and the topics its
// changes fan out to. Rules are registered once at startup and live for
// the process lifetime.
type Rule struct {
	// Model decodes and validates raw messages as this rule's event type.
	Model *schema.EventCodec

	// Processor merges the event into the unified record.
	Processor UpdateProcessor

	// Topics this rule may fan out to. Must be a subset of the unified
	// type's subschema names plus "root".
	Topics []string

	// Name identifies the rule; defaults to the event model's type name.
	Name string
}
