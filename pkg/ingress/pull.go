package ingress

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/schema"
)

// DataFetcher retrieves a batch of raw payloads from a polled source.
type DataFetcher interface {
	GetData(ctx context.Context) ([]json.RawMessage, error)
}

// DataFetcherFunc adapts a function to DataFetcher.
type DataFetcherFunc func(ctx context.Context) ([]json.RawMessage, error)

func (f DataFetcherFunc) GetData(ctx context.Context) ([]json.RawMessage, error) {
	return f(ctx)
}

// Puller polls one source on a cron schedule and enqueues the events each
// batch yields. One bad payload never stops the batch: validation
// failures are logged and skipped so the rest of the fetch still lands.
type Puller struct {
	source    string
	queue     string
	schedule  string
	fetcher   DataFetcher
	processor EventProcessor
	publisher broker.Client
	log       *zap.Logger
}

// NewPuller creates a pull adapter. schedule is a standard cron expression
// (five fields).
func NewPuller(source, queue, schedule string, fetcher DataFetcher, processor EventProcessor, publisher broker.Client) *Puller {
	return &Puller{
		source:    source,
		queue:     queue,
		schedule:  schedule,
		fetcher:   fetcher,
		processor: processor,
		publisher: publisher,
		log:       logger.With(zap.String("source", source)),
	}
}

// Source returns the polled source's name.
func (p *Puller) Source() string { return p.source }

// Schedule returns the puller's cron expression.
func (p *Puller) Schedule() string { return p.schedule }

// Run executes one poll cycle, logging failures. The next tick retries
// the source from scratch.
func (p *Puller) Run(ctx context.Context) {
	if err := p.Poll(ctx); err != nil {
		p.log.Error("Poll failed", zap.Error(err))
	}
}

// Poll runs one fetch-process-publish cycle.
func (p *Puller) Poll(ctx context.Context) error {
	batch, err := p.fetcher.GetData(ctx)
	if err != nil {
		return err
	}

	published, skipped := 0, 0
	for _, raw := range batch {
		events, err := p.processor.ProcessEvent(ctx, raw)
		if err != nil {
			skipped++
			p.log.Warn("Payload skipped, validation failed", zap.Error(err))
			continue
		}
		for _, ev := range events {
			body, err := schema.EncodeEvent(ev)
			if err != nil {
				skipped++
				p.log.Warn("Payload skipped, encode failed", zap.Error(err))
				continue
			}
			if err := p.publisher.SendToQueue(ctx, p.queue, body, ev.EventoID().Render()); err != nil {
				// Broker down: stop the cycle, the next tick retries the
				// source from scratch.
				return err
			}
			published++
		}
	}

	p.log.Info("Poll cycle finished",
		zap.Int("fetched", len(batch)),
		zap.Int("published", published),
		zap.Int("skipped", skipped),
	)
	return nil
}
