package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/schema"
	"github.com/centraal-api/clientflow/pkg/store"
)

// Strategy is the user extension point of an integration rule: transform
// the validated unified record and deliver it to the destination. The
// returned result's BodySent must record exactly what was sent.
//
// Return a *ValidationError to signal an output-model validation failure:
// it is audited as a failed attempt instead of being retried or raised.
type Strategy interface {
	Integrate(ctx context.Context, record any) (IntegrationResult, error)
}

// Rule binds a destination strategy to a unified-record type and an
// integration-audit container. One instance per destination; concurrent
// runs of one rule are safe.
type Rule struct {
	name           string
	unified        *schema.UnifiedType
	auditContainer string
	strategy       Strategy
	retry          RetryPolicy
	log            *zap.Logger
}

// RuleOption configures a Rule.
type RuleOption func(*Rule)

// WithRetryPolicy overrides the exponential-backoff policy.
func WithRetryPolicy(p RetryPolicy) RuleOption {
	return func(r *Rule) { r.retry = p }
}

// WithLogger overrides the rule's logger.
func WithLogger(log *zap.Logger) RuleOption {
	return func(r *Rule) { r.log = log }
}

// NewRule creates an integration rule.
func NewRule(name string, unified *schema.UnifiedType, auditContainer string, strategy Strategy, opts ...RuleOption) *Rule {
	r := &Rule{
		name:           name,
		unified:        unified,
		auditContainer: auditContainer,
		strategy:       strategy,
		retry:          DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.With(zap.String("integration_rule", name))
	}
	return r
}

// Name returns the rule name recorded in the integration audit.
func (r *Rule) Name() string { return r.name }

// Handler adapts the rule to a broker topic subscription.
func (r *Rule) Handler(st *store.Store) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		_, err := r.Run(ctx, msg.Body, st)
		return err
	}
}

// Run executes the rule for one topic message:
//
//  1. Validate the message against the unified schema. Failure raises
//     *UnifiedValidationError: the caller sees an invalid-message error,
//     never a silent drop.
//  2. Invoke the strategy through the exponential-backoff helper.
//  3. Capture *ValidationError from user code as a failed, audited result.
//  4. Re-raise any other error after retries are exhausted so the broker
//     redelivers.
//  5. Upsert the integration-audit entry.
func (r *Rule) Run(ctx context.Context, message json.RawMessage, st *store.Store) (IntegrationResult, error) {
	record, err := r.validateUnified(message)
	if err != nil {
		return IntegrationResult{}, err
	}
	id, err := r.unified.RecordID(record)
	if err != nil || id.IsZero() {
		return IntegrationResult{}, &ContractViolationError{Rule: r.name, Reason: "record has no id"}
	}

	var result IntegrationResult
	runErr := r.retry.Run(ctx, r.log, func() error {
		res, err := r.strategy.Integrate(ctx, record)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	})

	if runErr != nil {
		var verr *ValidationError
		if errors.As(runErr, &verr) {
			serialized := schema.SerializeValidationErrors(verr.Err)
			r.log.Error("Validation failed inside integration",
				zap.String("id", id.Render()),
				zap.String("errors", serialized),
			)
			result = validationFailureResult(serialized)
		} else {
			r.log.Error("Integration failed after retries",
				zap.String("id", id.Render()),
				zap.Error(runErr),
			)
			return IntegrationResult{}, runErr
		}
	}

	if err := result.check(); err != nil {
		return IntegrationResult{}, &ContractViolationError{Rule: r.name, Reason: err.Error()}
	}

	if err := r.registerLog(ctx, id, result, st); err != nil {
		return IntegrationResult{}, err
	}
	return result, nil
}

// validateUnified decodes and validates the message as the rule's unified
// type.
func (r *Rule) validateUnified(message json.RawMessage) (any, error) {
	record, err := r.unified.Decode(message)
	if err == nil {
		err = r.unified.Validate(record)
	}
	if err != nil {
		serialized := schema.SerializeValidationErrors(err)
		detail := schema.ValidationDetailJSON(
			serialized,
			fmt.Sprintf("Mensaje no cumple con el esquema %s", r.unified.Name()),
		)
		r.log.Error("Unified schema validation failed",
			zap.String("detail", detail),
		)
		return nil, &UnifiedValidationError{Model: r.unified.Name(), Detail: detail, Err: err}
	}
	return record, nil
}

// registerLog upserts the integration-audit entry for this attempt, keyed
// by the record id so the container holds the latest attempt per record
// and rule.
func (r *Rule) registerLog(ctx context.Context, id schema.ID, result IntegrationResult, st *store.Store) error {
	entry := schema.NewAuditoriaEntryIntegracion(
		id.Render(), r.name, result.BodySent, result.Success, result.Response,
	)
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("integration rule %s: encode audit entry: %w", r.name, err)
	}
	return st.Container(r.auditContainer).Upsert(ctx, entry.ID, doc)
}
