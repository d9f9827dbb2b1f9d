package app

import (
	"sync"

	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

// Start launches the background services: one consumer loop per queue and
// topic subscription, plus the pull scheduler.
func (a *Application) Start() error {
	a.started = true
	var wg sync.WaitGroup
	for _, c := range a.consumers {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(a.runCtx); err != nil {
				logger.Error("Consumer stopped with error", zap.Error(err))
			}
		}()
	}
	go func() {
		wg.Wait()
		close(a.done)
	}()

	a.cron.Start()
	logger.Info("Background services started",
		zap.Int("consumers", len(a.consumers)),
		zap.Int("scheduled_pulls", len(a.cron.Entries())),
	)
	return nil
}

// Shutdown gracefully stops all application components: scheduler first,
// then consumer loops (waiting for in-flight sessions), then pools and
// connections.
func (a *Application) Shutdown() {
	cronCtx := a.cron.Stop()
	<-cronCtx.Done()

	a.cancel()
	if a.started {
		<-a.done
	}

	a.Pools.Shutdown()

	if err := a.Broker.Close(); err != nil {
		logger.Warn("Broker close returned error", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		logger.Warn("Store close returned error", zap.Error(err))
	}
	logger.Info("Application stopped")
}
