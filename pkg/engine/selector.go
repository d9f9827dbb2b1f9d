package engine

import (
	"errors"
	"fmt"

	"github.com/centraal-api/clientflow/pkg/schema"
)

// ErrNoMatchingRule is returned when no registered event model validates a
// message. Fatal for that message: redelivery cannot help.
var ErrNoMatchingRule = errors.New("engine: no rule matches message")

// TopicNotInSchemaError reports a rule registered with a topic that is not
// a subschema of the unified type.
type TopicNotInSchemaError struct {
	Rule   string
	Topic  string
	Schema string
}

func (e *TopicNotInSchemaError) Error() string {
	return fmt.Sprintf("rule %s: topic %q is not a subschema of %s", e.Rule, e.Topic, e.Schema)
}

// Selector dispatches raw messages to rules by trial validation: rules
// are probed in insertion order and the first whose event model decodes
// the message wins. Matching is cheap because strict decoding fails fast
// on shape.
//
// Registration must complete before message processing begins; afterwards
// the selector is read-only and safe for concurrent use.
type Selector struct {
	unified *schema.UnifiedType
	rules   []*Rule
}

// NewSelector creates a selector for one unified-record type.
func NewSelector(unified *schema.UnifiedType) *Selector {
	return &Selector{unified: unified}
}

// UnifiedType returns the unified-record type rules merge into.
func (s *Selector) UnifiedType() *schema.UnifiedType { return s.unified }

// Register appends a rule. Its topics are validated against the unified
// type's subschema names plus "root"; a rule without a name takes its
// event model's type name.
func (s *Selector) Register(rule *Rule) error {
	if rule.Model == nil {
		return errors.New("engine: rule has no event model")
	}
	if rule.Processor == nil {
		return fmt.Errorf("engine: rule %s has no processor", rule.Model.Name())
	}
	if rule.Name == "" {
		rule.Name = rule.Model.Name()
	}
	for _, topic := range rule.Topics {
		if topic == schema.SubesquemaRoot {
			continue
		}
		if !s.unified.HasSubschema(topic) {
			return &TopicNotInSchemaError{Rule: rule.Name, Topic: topic, Schema: s.unified.Name()}
		}
	}
	s.rules = append(s.rules, rule)
	return nil
}

// Select returns the validated event and the first rule whose model
// decodes raw, in insertion order.
func (s *Selector) Select(raw []byte) (schema.Evento, *Rule, error) {
	for _, rule := range s.rules {
		event, err := rule.Model.Decode(raw)
		if err != nil {
			continue
		}
		return event, rule, nil
	}
	return nil, nil, ErrNoMatchingRule
}

// TopicsByChanges filters a rule's topics down to those whose subschema
// actually changed. Entries tagged "root" count only when includeRoot is
// set. The result is deduplicated.
func TopicsByChanges(topics []string, changes []schema.AuditoriaEntry, includeRoot bool) []string {
	changed := make(map[string]bool, len(changes))
	for _, ch := range changes {
		if ch.IsNoChanges() {
			continue
		}
		if ch.Subesquema == schema.SubesquemaRoot && !includeRoot {
			continue
		}
		changed[ch.Subesquema] = true
	}

	var out []string
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if changed[topic] && !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	return out
}
