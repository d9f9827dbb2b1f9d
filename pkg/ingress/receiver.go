// Package ingress adapts external sources to the processing queue: a push
// receiver exposed over HTTP and a pull scheduler that polls sources on a
// cron expression. Both produce validated events and publish them with the
// rendered composite ID as the broker session, so updates to one entity
// are processed in order.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/centraal-api/clientflow/internal/pkg/errors"
	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/schema"
)

// EventProcessor turns one raw source payload into validated events. A
// payload may expand to several events (a source document touching several
// entities) or to none.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, body json.RawMessage) ([]schema.Evento, error)
}

// EventProcessorFunc adapts a function to EventProcessor.
type EventProcessorFunc func(ctx context.Context, body json.RawMessage) ([]schema.Evento, error)

func (f EventProcessorFunc) ProcessEvent(ctx context.Context, body json.RawMessage) ([]schema.Evento, error) {
	return f(ctx, body)
}

// Receiver is the push adapter for one source system. It validates
// incoming payloads and publishes the resulting events to the processing
// queue.
type Receiver struct {
	source    string
	queue     string
	processor EventProcessor
	publisher broker.Client
	log       *zap.Logger
}

// NewReceiver creates a push receiver for a named source.
func NewReceiver(source, queue string, processor EventProcessor, publisher broker.Client) *Receiver {
	return &Receiver{
		source:    source,
		queue:     queue,
		processor: processor,
		publisher: publisher,
		log:       logger.With(zap.String("source", source)),
	}
}

// Source returns the source-system name, used as the route segment.
func (r *Receiver) Source() string { return r.source }

// publish encodes and enqueues one event, keyed by its rendered ID so the
// consumer serializes updates per entity.
func (r *Receiver) publish(ctx context.Context, ev schema.Evento) error {
	body, err := schema.EncodeEvent(ev)
	if err != nil {
		return err
	}
	session := ev.EventoID().Render()
	if err := r.publisher.SendToQueue(ctx, r.queue, body, session); err != nil {
		return err
	}
	r.log.Info("Event enqueued",
		zap.String("queue", r.queue),
		zap.String("session", session),
	)
	return nil
}

// Handler returns the gin handler for POST /events/:source routes. Invalid
// payloads map to 400, broker failures to 502; the success body keeps the
// upstream contract's message shape.
func (r *Receiver) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.Error(apperrors.BadRequest(apperrors.CodeEventBodyInvalid, "request body is empty or unreadable"))
			return
		}
		if !json.Valid(body) {
			c.Error(apperrors.BadRequest(apperrors.CodeEventBodyInvalid, "request body is not valid JSON"))
			return
		}

		events, err := r.processor.ProcessEvent(c.Request.Context(), body)
		if err != nil {
			c.Error(apperrors.Wrap(err, apperrors.CodeEventInvalid,
				fmt.Sprintf("event from %s failed validation", r.source), http.StatusBadRequest))
			return
		}

		for _, ev := range events {
			if err := r.publish(c.Request.Context(), ev); err != nil {
				c.Error(apperrors.Wrap(err, apperrors.CodeBrokerUnavail,
					"event could not be enqueued", http.StatusBadGateway))
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Evento de %s es procesado.", r.source),
			"events":  len(events),
		})
	}
}

// Mount registers the receiver's route on a gin router group.
func (r *Receiver) Mount(rg *gin.RouterGroup) {
	rg.POST("/events/"+r.source, r.Handler())
}
