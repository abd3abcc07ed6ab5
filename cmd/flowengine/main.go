// Command flowengine is the process execution engine's HTTP entry point,
// grounded on cli.RootCmd's cobra+viper wiring and runServer's service
// assembly, trimmed to this engine's own dependency graph (graphstore,
// audit, scheduler) in place of the RabbitMQ/CouchDB/JWT stack it replaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"flow.evalgo.org/audit"
	"flow.evalgo.org/common"
	"flow.evalgo.org/config"
	"flow.evalgo.org/db"
	"flow.evalgo.org/engine"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/gateway"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/httpapi"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/scheduler"
	"flow.evalgo.org/token"
	"flow.evalgo.org/topic"
)

// configPrefix namespaces every environment variable this binary reads, e.g.
// FLOWENGINE_GRAPH_PATH, FLOWENGINE_AUDIT_DSN, FLOWENGINE_REDIS_URL.
const configPrefix = "FLOWENGINE"

// timerQueue is satisfied by both scheduler.Scheduler and
// scheduler.LocalStore, letting runServer treat the Redis-backed and the
// BoltDB fallback timer queues identically.
type timerQueue interface {
	engine.TimerScheduler
	Start(interval time.Duration, handle scheduler.DueHandler)
	Stop()
}

// openScheduler picks the Redis-backed Scheduler when RedisURL is
// configured, and a local BoltDB-backed LocalStore otherwise, per
// SPEC_FULL.md's "scheduler's local fallback timer persistence when Redis
// is unset".
func openScheduler(cfg *config.EngineConfig, logger *logrus.Logger) (timerQueue, func() error, error) {
	if cfg.Scheduler.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sched, err := scheduler.NewFromURL(ctx, cfg.Scheduler.RedisURL, cfg.Service.Name, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect scheduler: %w", err)
		}
		return sched, func() error { sched.Stop(); return sched.Close() }, nil
	}
	store, err := scheduler.OpenLocalStore(cfg.Scheduler.LocalTimerPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open local timer store: %w", err)
	}
	return store, func() error { store.Stop(); return store.Close() }, nil
}

var rootCmd = &cobra.Command{
	Use:   "flowengine",
	Short: "runs the process execution engine's HTTP server",
	Long: `flowengine serves the Execution Core (C8) and its supporting
components over HTTP: instance lifecycle, task completion, message
correlation, and timer signaling, backed by a Cayley/BoltDB graph store,
a Postgres audit log, and a timer scheduler (Redis-backed when a Redis
URL is configured, otherwise a local BoltDB file).`,
	RunE: runServer,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Fatal("flowengine exited with error")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPrefix)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	common.Logger.SetLevel(level)
	if cfg.Service.LogFormat == "json" {
		common.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger := common.Logger

	graph, err := graphstore.Open(cfg.Graph.Path)
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	defer graph.Close()

	instances := instance.New(graph)
	tokens := token.New(graph)
	gateways := gateway.New(graph, instances)
	topics := topic.New()
	bus := eventbus.New()

	sched, stopScheduler, err := openScheduler(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stopScheduler(); err != nil {
			logger.WithError(err).Error("stop scheduler")
		}
	}()

	pg, err := db.NewPostgresDB(cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("connect audit database: %w", err)
	}
	defer pg.Close()

	auditLog := audit.New(pg)
	auditCtx, auditCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := auditLog.CreateTables(auditCtx); err != nil {
		auditCancel()
		return fmt.Errorf("create audit tables: %w", err)
	}
	auditCancel()

	bus.SubscribeAll(auditLog.Subscriber(context.Background(), eventInstanceURI))

	eng := engine.New(graph, instances, tokens, gateways, topics, bus, sched)

	sched.Start(cfg.Scheduler.TickInterval, func(ctx context.Context, tokenURI string) error {
		return eng.SignalTimer(tokenURI)
	})

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	httpapi.New(eng, logger).RegisterRoutes(e.Group(""))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.WithFields(logrus.Fields{
		"graphPath": cfg.Graph.Path,
		"auditDSN":  common.MaskSecret(cfg.Audit.DSN),
	}).Info("flowengine configuration loaded")
	go func() {
		logger.WithField("addr", addr).Info("flowengine listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}

// eventInstanceURI extracts the owning instance URI from an event for
// audit.Log.Subscriber, which cannot assume every event carries the field
// under the same name (MessageSentEvent has no single instance owner since
// it is published before correlation, only a source instance).
func eventInstanceURI(e eventbus.Event) string {
	switch ev := e.(type) {
	case eventbus.TokenMovedEvent:
		return ev.InstanceURI
	case eventbus.TokenCreatedEvent:
		return ev.InstanceURI
	case eventbus.TokenConsumedEvent:
		return ev.InstanceURI
	case eventbus.TaskCreatedEvent:
		return ev.InstanceURI
	case eventbus.TaskCompletedEvent:
		return ev.InstanceURI
	case eventbus.VariableSetEvent:
		return ev.InstanceURI
	case eventbus.MessageSentEvent:
		return ev.SourceInstanceURI
	case eventbus.MessageReceivedEvent:
		return ev.InstanceURI
	case eventbus.ErrorThrownEvent:
		return ev.InstanceURI
	case eventbus.CompensationTriggeredEvent:
		return ev.InstanceURI
	case eventbus.CancelTriggeredEvent:
		return ev.InstanceURI
	case eventbus.TerminateTriggeredEvent:
		return ev.InstanceURI
	case eventbus.ServiceTaskExecuteEvent:
		return ev.InstanceURI
	case eventbus.ServiceTaskCompletedEvent:
		return ev.InstanceURI
	case eventbus.SubprocessStartedEvent:
		return ev.InstanceURI
	case eventbus.SubprocessCompletedEvent:
		return ev.InstanceURI
	case eventbus.BoundaryEventTriggeredEvent:
		return ev.InstanceURI
	case eventbus.AuditLogEvent:
		return ev.InstanceURI
	case eventbus.InstanceStateChangedEvent:
		return ev.InstanceURI
	case eventbus.GatewayEvaluatedEvent:
		return ev.InstanceURI
	case eventbus.ListenerExecuteEvent:
		return ev.InstanceURI
	default:
		return ""
	}
}
