// Package app is the composition root: it wires broker, store, worker
// pools, ingress adapters, the rule engine and integration rules into one
// runnable application.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/config"
	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/internal/pkg/worker"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/engine"
	"github.com/centraal-api/clientflow/pkg/ingress"
	"github.com/centraal-api/clientflow/pkg/integration"
	"github.com/centraal-api/clientflow/pkg/store"
)

// IntegrationBinding subscribes one integration rule to one fan-out topic.
type IntegrationBinding struct {
	Topic string
	Rule  *integration.Rule
}

// Pipeline is one unified-entity pipeline definition: its queue, its
// containers, its rule selector and the adapters feeding it.
type Pipeline struct {
	Queue            string
	UnifiedContainer string
	AuditContainer   string
	Selector         *engine.Selector

	Receivers    []*ingress.Receiver
	Pullers      []*ingress.Puller
	Integrations []IntegrationBinding
}

// Application holds composed application dependencies.
type Application struct {
	Config *config.Config
	Router *gin.Engine
	Broker *broker.RedisClient
	Store  *store.Store
	Pools  *worker.Pools

	consumers []*broker.Consumer
	cron      *cron.Cron

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// PipelineFactory builds the caller's pipeline definitions once the broker
// publisher exists.
type PipelineFactory func(publisher broker.Client) ([]*Pipeline, error)

// Bootstrap initializes all dependencies using manual DI. Pipelines are
// the caller's domain definitions; everything else comes from cfg.
func Bootstrap(ctx context.Context, cfg *config.Config, factory PipelineFactory) (*Application, error) {
	brk, err := broker.NewRedisClient(cfg.Broker.URL,
		broker.WithRetryPolicy(cfg.Broker.MaxRetries, cfg.Broker.RetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}

	pipelines, err := factory(brk)
	if err != nil {
		brk.Close()
		return nil, fmt.Errorf("build pipelines: %w", err)
	}

	st := store.New(cfg.Database.ConnectionString, cfg.Database.Name)

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		IngestPoolSize:      cfg.Worker.IngestPoolSize,
		IntegrationPoolSize: cfg.Worker.IntegrationPoolSize,
	})
	if err != nil {
		brk.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	app := &Application{
		Config: cfg,
		Broker: brk,
		Store:  st,
		Pools:  pools,
		cron:   cron.New(),
		done:   make(chan struct{}),
	}

	consumerName := processName()
	runCtx, cancel := context.WithCancel(ctx)
	app.runCtx = runCtx
	app.cancel = cancel

	for _, p := range pipelines {
		proc := engine.NewProcessor(engine.ProcessorConfig{
			Queue:            p.Queue,
			UnifiedContainer: p.UnifiedContainer,
			AuditContainer:   p.AuditContainer,
			IncludeRoot:      cfg.Engine.IncludeRoot,
		}, p.Selector, brk, st)

		app.consumers = append(app.consumers, broker.NewConsumer(
			brk, p.Queue, cfg.Broker.ConsumerGroup, consumerName,
			proc.HandleMessage, pools.Ingest,
		))

		for _, binding := range p.Integrations {
			// One group per rule so every rule sees every topic message.
			app.consumers = append(app.consumers, broker.NewTopicConsumer(
				brk, binding.Topic, binding.Rule.Name(), consumerName,
				binding.Rule.Handler(st), pools.Integration,
			))
		}

		for _, puller := range p.Pullers {
			pl := puller
			// Polls run detached on the ingest pool, bound to the service
			// lifecycle rather than the cron goroutine.
			_, err := app.cron.AddFunc(pl.Schedule(), func() {
				if err := pools.SubmitDetached("ingest", pl.Run); err != nil {
					logger.Error("Poll submit failed",
						zap.String("source", pl.Source()),
						zap.Error(err),
					)
				}
			})
			if err != nil {
				cancel()
				pools.Shutdown()
				brk.Close()
				return nil, fmt.Errorf("schedule puller %s: %w", puller.Source(), err)
			}
		}
	}

	app.Router = newRouter(cfg, pipelines, pools)
	return app, nil
}

func processName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "clientflow"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
