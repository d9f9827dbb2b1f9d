package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/schema"
	"github.com/centraal-api/clientflow/pkg/store"
)

// DeadLetterSuffix names the queue that receives messages no rule matches.
const DeadLetterSuffix = ".deadletter"

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	// Queue is the session-enabled queue this processor consumes.
	Queue string

	// UnifiedContainer and AuditContainer name the document containers for
	// unified records and field-change audit entries.
	UnifiedContainer string
	AuditContainer   string

	// IncludeRoot lets "root"-tagged changes trigger fan-out.
	IncludeRoot bool
}

// Processor handles one queue's messages: select rule, merge, diff,
// persist, audit and fan out. Per-record ordering is the broker's job
// (session id = rendered composite ID); the processor itself is stateless
// and safe for concurrent messages of distinct sessions.
type Processor struct {
	cfg      ProcessorConfig
	selector *Selector
	brk      broker.Client
	st       *store.Store
	log      *zap.Logger
}

// NewProcessor creates a message processor over a populated selector.
func NewProcessor(cfg ProcessorConfig, selector *Selector, brk broker.Client, st *store.Store) *Processor {
	return &Processor{
		cfg:      cfg,
		selector: selector,
		brk:      brk,
		st:       st,
		log:      logger.With(zap.String("queue", cfg.Queue)),
	}
}

// HandleMessage is the broker.Handler for the processor's queue.
//
// A nil return acknowledges the message. Transient failures (store,
// broker) return an error so the broker redelivers in session order.
// Messages no rule matches are dead-lettered and acknowledged: retrying
// cannot help, and they must not corrupt unified state.
func (p *Processor) HandleMessage(ctx context.Context, msg broker.Message) error {
	event, rule, err := p.selector.Select(msg.Body)
	if err != nil {
		if errors.Is(err, ErrNoMatchingRule) {
			p.deadLetter(ctx, msg)
			return nil
		}
		return err
	}

	id := event.EventoID()
	log := p.log.With(
		zap.String("rule", rule.Name),
		zap.String("id", id.Render()),
	)

	ut := p.selector.UnifiedType()
	current, err := p.currentRecord(ctx, id)
	if err != nil {
		return err
	}

	updated, err := p.applyRule(ctx, rule, event, current)
	if err != nil {
		return fmt.Errorf("engine: rule %s: %w", rule.Name, err)
	}
	if _, err := ut.RecordID(updated); err != nil {
		return fmt.Errorf("engine: rule %s returned invalid record: %w", rule.Name, err)
	}

	changes := DetectChanges(ut, current, updated, id)

	if len(changes) == 1 && changes[0].IsNoChanges() {
		// No diff: audit the replay, skip the rewrite and the fan-out.
		if err := p.recordAuditoria(ctx, changes); err != nil {
			return err
		}
		log.Debug("Merge produced no changes")
		return nil
	}

	doc, err := ut.Encode(updated)
	if err != nil {
		return err
	}
	if err := p.st.Container(p.cfg.UnifiedContainer).Upsert(ctx, id.Render(), doc); err != nil {
		return err
	}
	if err := p.recordAuditoria(ctx, changes); err != nil {
		return err
	}

	// Fan-out strictly after the unified upsert and audit writes: topic
	// consumers never see a state that is not already persisted.
	topics := TopicsByChanges(rule.Topics, changes, p.cfg.IncludeRoot)
	for _, topic := range topics {
		if err := p.brk.SendToTopic(ctx, topic, doc); err != nil {
			return err
		}
	}

	log.Info("Merge applied",
		zap.Int("changes", len(changes)),
		zap.Strings("topics", topics),
	)
	return nil
}

// currentRecord loads and decodes the stored unified record, or nil when
// the entity is new.
func (p *Processor) currentRecord(ctx context.Context, id schema.ID) (any, error) {
	raw, err := p.st.Container(p.cfg.UnifiedContainer).GetByID(ctx, id.Render())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.selector.UnifiedType().Decode(raw)
}

// applyRule invokes the user processor with deep copies of both the event
// and the current record, so user code cannot mutate engine-held state.
func (p *Processor) applyRule(ctx context.Context, rule *Rule, event schema.Evento, current any) (any, error) {
	rawEvent, err := schema.EncodeEvent(event)
	if err != nil {
		return nil, err
	}
	eventCopy, err := rule.Model.Decode(rawEvent)
	if err != nil {
		return nil, err
	}

	var currentCopy any
	if current != nil {
		currentCopy, err = p.selector.UnifiedType().DeepCopy(current)
		if err != nil {
			return nil, err
		}
	}
	return rule.Processor.ProcessMessage(ctx, eventCopy, currentCopy)
}

// recordAuditoria appends change entries to the audit container with
// auto-generated ids. Entries of one merge may land in any order, but all
// complete before fan-out.
func (p *Processor) recordAuditoria(ctx context.Context, changes []schema.AuditoriaEntry) error {
	container := p.st.Container(p.cfg.AuditContainer)
	for _, change := range changes {
		doc, err := json.Marshal(change)
		if err != nil {
			return fmt.Errorf("engine: encode audit entry: %w", err)
		}
		if err := container.Create(ctx, generateAuditID(), doc); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter parks an unmatchable message and reports it. Failing to park
// is logged but does not resurrect the message: by contract it must never
// reach the merge path.
func (p *Processor) deadLetter(ctx context.Context, msg broker.Message) {
	p.log.Error("No rule matches message, dead-lettering",
		zap.String("message_id", msg.ID),
		zap.String("session", msg.SessionID),
	)
	if err := p.brk.SendToQueue(ctx, p.cfg.Queue+DeadLetterSuffix, msg.Body, msg.SessionID); err != nil {
		p.log.Error("Dead-letter publish failed", zap.Error(err))
	}
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "audit-" + uuid.New().String()
	}
	return "audit-" + id.String()
}
