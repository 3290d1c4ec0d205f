// Package app wires the orchestrator components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"callassist/internal/agents"
	"callassist/internal/config"
	"callassist/internal/customers"
	"callassist/internal/events"
	"callassist/internal/fanout"
	"callassist/internal/httpapi"
	"callassist/internal/logger"
	"callassist/internal/metrics"
	"callassist/internal/queue"
	"callassist/internal/relay"
	"callassist/internal/reports"
	"callassist/internal/session"
	"callassist/internal/store"
	"callassist/internal/watch"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = 10 * time.Second
	indexBuffer     = 256
	redisBuffer     = 256
)

// App owns every long-lived component of the orchestrator.
type App struct {
	cfg       config.Config
	log       zerolog.Logger
	registry  *agents.Registry
	client    *agents.Client
	directory *customers.Directory
	catalog   *customers.Catalog
	bus       *events.Bus
	sessions  *session.Manager
	reports   *reports.Store
	index     *store.Store
	lanes     *queue.Lanes
	redis     *events.RedisSink
	watcher   *watch.Watcher
	metrics   *metrics.Metrics
	handler   http.Handler
}

func New(cfg config.Config, log zerolog.Logger) (*App, error) {
	m := metrics.New()

	directory, err := customers.Load(cfg.CustomersCSV, logger.Component(log, "customers"))
	if err != nil {
		// a broken CSV should not keep calls from being taken
		log.Warn().Err(err).Str("path", cfg.CustomersCSV).Msg("customer directory not loaded")
	}
	catalog, err := customers.LoadCatalog(cfg.PricingJSON, logger.Component(log, "pricing"))
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.PricingJSON).Msg("pricing catalog not loaded")
	}

	registry := agents.NewRegistry(cfg.Agents)
	client := agents.NewClient(logger.Component(log, "agents"))
	bus := events.NewBus()

	files, err := session.NewFileStore(cfg.ConsultationsDir)
	if err != nil {
		return nil, fmt.Errorf("consultations dir: %w", err)
	}
	sessions := session.NewManager(session.Options{
		Directory: directory,
		Persister: files,
		Publisher: bus,
		Log:       logger.Component(log, "session"),
	})

	rs, err := reports.Open(cfg.ReportsDir, logger.Component(log, "reports"))
	if err != nil {
		return nil, fmt.Errorf("reports dir: %w", err)
	}
	idx, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	timeout := cfg.FanoutTimeout()
	lanes := fanout.NewLanes(registry, cfg.FanoutQueueSize, cfg.FanoutWorkers, timeout, logger.Component(log, "queue"))
	disp := fanout.New(fanout.Options{
		Registry: registry,
		Client:   client,
		Lanes:    lanes,
		Ledger:   idx,
		Metrics:  m,
		Timeout:  timeout,
		Log:      logger.Component(log, "fanout"),
	})

	reportAgent, _ := registry.Get("report")
	rel := relay.New(relay.Options{
		Agent:    reportAgent,
		Client:   client,
		Sessions: sessions,
		Reports:  rs,
		Metrics:  m,
		Log:      logger.Component(log, "relay"),
	})

	a := &App{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		client:    client,
		directory: directory,
		catalog:   catalog,
		bus:       bus,
		sessions:  sessions,
		reports:   rs,
		index:     idx,
		lanes:     lanes,
		metrics:   m,
	}

	if cfg.RedisURL != "" {
		sink, err := events.NewRedisSink(cfg.RedisURL, cfg.RedisChannel, logger.Component(log, "redis"))
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		a.redis = sink
	}
	if cfg.EnableWatcher {
		a.watcher = watch.New(bus, logger.Component(log, "watch"), directoryTarget{directory, sessions}, catalog)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:      sessions,
		Consultations: files,
		Directory:     directory,
		Catalog:       catalog,
		Registry:      registry,
		Client:        client,
		Fanout:        disp,
		Lanes:         lanes,
		Relay:         rel,
		Reports:       rs,
		Index:         idx,
		Bus:           bus,
		Metrics:       m,
		Log:           logger.Component(log, "http"),
	})
	a.handler = router.Handler()
	return a, nil
}

// directoryTarget reloads the customer CSV and then refreshes the live
// call so it does not keep a customer row the reload replaced.
type directoryTarget struct {
	*customers.Directory
	sessions *session.Manager
}

func (t directoryTarget) Reload() error {
	if err := t.Directory.Reload(); err != nil {
		return err
	}
	t.sessions.RefreshCustomer()
	return nil
}

// Handler returns the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the workers, event consumers, watcher and HTTP server and
// blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	a.lanes.Start(ctx)

	indexCh, unsubscribeIndex := a.bus.Subscribe(indexBuffer)
	defer unsubscribeIndex()
	go store.NewIndexer(a.index, logger.Component(a.log, "indexer")).Run(ctx, indexCh)

	if a.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx); err != nil {
			a.log.Warn().Err(err).Msg("redis not reachable, events will be retried per publish")
		}
		cancel()
		redisCh, unsubscribeRedis := a.bus.Subscribe(redisBuffer)
		defer unsubscribeRedis()
		go a.redis.Run(ctx, redisCh)
		a.log.Info().Str("channel", a.redis.Channel()).Msg("publishing call events to redis")
	}

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.log.Warn().Err(err).Msg("file watcher not started")
		}
	}

	a.logAgents(ctx)

	server := &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.LogServerStart(a.log, server.Addr, a.cfg.DataDir, a.cfg.ReportsDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.LogServerShutdown(a.log)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	a.lanes.Stop(shutdownCtx)
	return nil
}

// logAgents probes every agent once so operators see what is reachable.
func (a *App) logAgents(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	for _, st := range a.client.HealthAll(probeCtx, a.registry.All()) {
		ev := a.log.Info()
		if st.Enabled && !st.Healthy {
			ev = a.log.Warn().Str("error", st.Error)
		}
		ev.Str("agent", st.Key).Str("url", st.URL).Bool("enabled", st.Enabled).Bool("healthy", st.Healthy).Msg("agent status")
	}
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis close")
		}
	}
	if err := a.index.Close(); err != nil {
		a.log.Warn().Err(err).Msg("index close")
	}
}
