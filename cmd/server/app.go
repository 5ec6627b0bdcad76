package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/api"
	"github.com/ethank2222/TriniTeam/internal/config"
	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/generation"
	"github.com/ethank2222/TriniTeam/internal/monitor"
	"github.com/ethank2222/TriniTeam/internal/scheduler"
	"github.com/ethank2222/TriniTeam/internal/service"
	"github.com/ethank2222/TriniTeam/internal/session"
	"github.com/ethank2222/TriniTeam/internal/storage"
)

const (
	natsConnectAttempts = 5
	bucketCheckTimeout  = 10 * time.Second
)

// app is every long-lived component of one process
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	bus         *events.EventBus
	artifacts   *storage.ArtifactStore
	scheduler   *scheduler.Scheduler
	session     *session.Manager
	metrics     *monitor.Metrics
	alerts      *monitor.AlertManager
	housekeeper *scheduler.Housekeeper
	hub         *api.EventHub

	history   *storage.SQLiteTaskHistory
	recorder  *storage.HistoryRecorder
	publisher *service.EventPublisher

	cancel  context.CancelFunc
	closers []func()
}

// newClient builds the Anthropic client behind retry and a circuit breaker
func newClient(cfg config.GenerationConfig, logger *zap.Logger) (generation.Client, error) {
	inner, err := generation.NewAnthropicClient(generation.AnthropicConfig{
		Model:  cfg.Model,
		APIKey: cfg.APIKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}
	return generation.NewResilientClient(inner, cfg.Retry, cfg.Breaker, logger), nil
}

// newApp wires the components. Nothing runs until start.
func newApp(cfg *config.Config, client generation.Client, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.bus = events.NewEventBus()
	a.closers = append(a.closers, a.bus.Close)

	roster, err := scheduler.NewAgentRoster(cfg.Roster.Agents, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create roster: %w", err)
	}
	graph := scheduler.NewTaskGraph(cfg.Retry.Strategy(), logger)
	a.artifacts = storage.NewArtifactStore(logger)
	a.scheduler = scheduler.New(cfg.Scheduler, graph, roster, client, a.artifacts, a.bus, logger)

	a.metrics = monitor.NewMetrics(cfg.Metrics.SampleInterval, monitor.HostSampler, logger)

	a.alerts = monitor.NewAlertManager(a.bus, logger)
	for _, rule := range monitor.DefaultRules() {
		if err := a.alerts.AddRule(rule); err != nil {
			return nil, fmt.Errorf("failed to add alert rule %s: %w", rule.Name, err)
		}
	}
	a.alerts.AddChannel("log", monitor.NewLogChannel(logger))
	if cfg.Alerts.WebhookURL != "" {
		a.alerts.AddChannel("webhook", monitor.NewWebhookChannel(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout))
	}

	a.housekeeper = scheduler.NewHousekeeper(logger)
	if cfg.Metrics.SnapshotSchedule != "" {
		if _, err := a.housekeeper.AddJob("metrics-snapshot", cfg.Metrics.SnapshotSchedule, a.logSnapshot); err != nil {
			return nil, err
		}
	}

	if cfg.History.Enabled {
		a.history, err = storage.NewSQLiteTaskHistory(logger, cfg.History.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := a.history.Close(); err != nil {
				logger.Warn("Failed to close task history", zap.Error(err))
			}
		})
		a.recorder = storage.NewHistoryRecorder(a.history, logger)
		retention := scheduler.RetentionJob(a.history, cfg.History.Retention, logger)
		if _, err := a.housekeeper.AddJob("history-retention", cfg.History.CleanupSchedule, retention); err != nil {
			return nil, err
		}
	}

	if cfg.NATS.Enabled {
		js, err := a.connectNATS()
		if err != nil {
			return nil, err
		}
		a.publisher, err = service.NewEventPublisher(js, logger)
		if err != nil {
			return nil, err
		}
	}

	var opts []session.Option
	if cfg.Archive.MinIO.Endpoint != "" {
		exporter, err := storage.NewMinIOExporter(cfg.Archive.MinIO, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), bucketCheckTimeout)
		if err := exporter.EnsureBucket(ctx); err != nil {
			logger.Warn("Archive bucket unavailable, exports may fail", zap.Error(err))
		}
		cancel()
		opts = append(opts, session.WithExporter(exporter))
	}

	a.session = session.NewManager(a.scheduler, a.artifacts, a.metrics, logger, opts...)
	a.hub = api.NewEventHub(logger)
	a.closers = append(a.closers, a.hub.Close)

	ok = true
	return a, nil
}

// start launches the bus consumers and the housekeeping jobs
func (a *app) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	go a.metrics.Run(ctx, a.bus.SubscribeAll(0))
	go a.alerts.Run(ctx, a.bus.SubscribeAll(0))
	go a.hub.Run(ctx, a.bus.SubscribeAll(0))
	if a.recorder != nil {
		go a.recorder.Run(ctx, a.bus.SubscribeAll(0))
	}
	if a.publisher != nil {
		go a.publisher.Forward(ctx, a.bus.SubscribeAll(0))
	}

	a.metrics.Sample(ctx)
	a.housekeeper.Start()
}

// close stops everything in reverse order of creation
func (a *app) close() {
	if a.scheduler != nil {
		if err := a.scheduler.Reset(); err != nil {
			a.logger.Warn("Failed to reset scheduler", zap.Error(err))
		}
	}
	if a.housekeeper != nil {
		a.housekeeper.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) logSnapshot(ctx context.Context) error {
	snap := a.metrics.Snapshot()
	a.logger.Info("Metrics snapshot",
		zap.Int64("tasks_processed", snap.TasksProcessed),
		zap.Int64("messages_sent", snap.MessagesSent),
		zap.Int64("files_created", snap.FilesCreated),
		zap.Int64("api_calls", snap.APICalls),
		zap.Int64("errors", snap.Errors),
		zap.Float64("cpu_percent", snap.System.CPUPercent),
		zap.Float64("memory_percent", snap.System.MemoryPercent))
	return nil
}

// connectNATS connects to the configured server, starting an embedded one
// first when asked to
func (a *app) connectNATS() (nats.JetStreamContext, error) {
	cfg := a.cfg.NATS
	url := cfg.URL

	if cfg.Embedded {
		ns, err := server.NewServer(&server.Options{
			ServerName: a.cfg.App.Name,
			Host:       "127.0.0.1",
			Port:       server.RANDOM_PORT,
			NoSigs:     true,
			JetStream:  true,
			StoreDir:   cfg.StoreDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready")
		}
		a.closers = append(a.closers, ns.Shutdown)
		url = ns.ClientURL()
		a.logger.Info("Embedded NATS server started", zap.String("url", url))
	}

	nc, err := dialNATS(url, cfg, a.cfg.App.Name, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, nc.Close)

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return js, nil
}

// dialNATS connects with the reconnect settings of cfg, retrying the first
// connection a few times
func dialNATS(url string, cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < natsConnectAttempts; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
