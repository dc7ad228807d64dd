package app

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/session"
	"voicebridge-server/pkg/telephony"
)

// reactorTick is how often the reactor drains queued engine commands. A
// cooperative poll, not a blocking wait: a briefly starved reactor only
// delays commands, it never loses them.
const reactorTick = 2 * time.Millisecond

// App wires the engine, the session registry and the supporting services
// together and runs the single reactor loop that owns every telephony
// engine interaction.
type App struct {
	logger    *logrus.Logger
	config    *config.Config
	queue     *telephony.CommandQueue
	engine    telephony.Engine
	registry  *session.Registry
	publisher *messaging.Publisher

	metricsServer *http.Server
}

// New assembles the application around the provided telephony engine.
// The engine must marshal its event deliveries through the same queue.
func New(logger *logrus.Logger, cfg *config.Config, queue *telephony.CommandQueue, engine telephony.Engine) *App {
	publisher := messaging.NewPublisher(logger, cfg.Messaging.AMQPUrl, cfg.Messaging.AMQPQueueName)
	registry := session.NewRegistry(logger, cfg, queue, publisher, nil)

	engine.SetListener(registry)

	return &App{
		logger:    logger,
		config:    cfg,
		queue:     queue,
		engine:    engine,
		registry:  registry,
		publisher: publisher,
	}
}

// Queue returns the reactor command queue
func (a *App) Queue() *telephony.CommandQueue { return a.queue }

// Registry returns the active-call registry
func (a *App) Registry() *session.Registry { return a.registry }

// Run starts the supporting services and pumps the reactor until ctx is
// canceled, then tears everything down.
func (a *App) Run(ctx context.Context) error {
	if a.config.Metrics.Enabled {
		metrics.Init(a.logger)
		a.metricsServer = metrics.StartServer(a.logger, a.config.Metrics.Port)
	}

	if err := a.publisher.Connect(); err != nil {
		// Transcript publishing is an observer, never a reason to refuse
		// calls
		a.logger.WithError(err).Warn("Transcript publisher unavailable")
	}

	a.logger.Info("Reactor running")
	ticker := time.NewTicker(reactorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-ticker.C:
			a.queue.DrainPending()
		}
	}
}

func (a *App) shutdown() {
	a.logger.Info("Shutting down")

	a.registry.CloseAll()

	// Give queued teardown commands a few ticks to run on this goroutine,
	// which remains the reactor until Run returns
	deadline := time.Now().Add(2 * time.Second)
	for a.registry.ActiveCount() > 0 && time.Now().Before(deadline) {
		a.queue.DrainPending()
		time.Sleep(reactorTick)
	}
	a.queue.DrainPending()

	if err := a.engine.Close(); err != nil {
		a.logger.WithError(err).Warn("Engine close failed")
	}
	a.publisher.Close()

	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	a.logger.Info("Stopped")
}
