package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/mandiear/offline-cache/mlog"
	"github.com/mandiear/offline-cache/pkg/api/http_handler"
	"github.com/mandiear/offline-cache/pkg/job_registry"
	"github.com/mandiear/offline-cache/pkg/job_registry/mem_registry"
	"github.com/mandiear/offline-cache/pkg/job_registry/redis_registry"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/offline"
	"github.com/mandiear/offline-cache/pkg/prioritizer"
	"github.com/mandiear/offline-cache/pkg/safe_close"
	"github.com/mandiear/offline-cache/pkg/store"
	"github.com/mandiear/offline-cache/pkg/sync_engine"
	"github.com/mandiear/offline-cache/pkg/upstream"
)

// OfflineCache holds every component of one process. Components a command
// does not need stay nil.
type OfflineCache struct {
	cfg    *Config
	logger *zap.Logger

	metricsReg *prometheus.Registry

	store       *store.Store
	registry    job_registry.Registry
	source      *upstream.HTTPSource
	engine      *sync_engine.Engine
	prioritizer *prioritizer.Prioritizer
	service     *offline.Service

	httpAPIMux *http.ServeMux

	closers []func() error
}

// newOfflineCache opens the store. withSync also builds the upstream
// source and the sync engine, withJobs the prioritizer and its registry.
func newOfflineCache(cfg *Config, lg *zap.Logger, withSync, withJobs bool) (_ *OfflineCache, err error) {
	m := &OfflineCache{
		cfg:        cfg,
		logger:     lg,
		metricsReg: newMetricsReg(),
		httpAPIMux: http.NewServeMux(),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	m.store, err = store.Open(store.Opts{
		Path:        cfg.Store.Path,
		Logger:      lg.Named("store"),
		Registerer:  m.GetMetricsReg(),
		BusyTimeout: cfg.storeBusyTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store, %w", err)
	}
	m.closers = append(m.closers, m.store.Close)

	if withSync {
		m.source, err = upstream.NewHTTPSource(upstream.HTTPSourceOpts{
			Endpoints:   cfg.Upstream.Endpoints,
			Timeout:     time.Duration(cfg.Upstream.TimeoutSec) * time.Second,
			MaxBodySize: int64(cfg.Upstream.MaxBodySizeMB) << 20,
			Logger:      lg.Named("upstream"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init upstream source, %w", err)
		}
		m.closers = append(m.closers, m.source.Close)

		m.engine, err = sync_engine.NewEngine(sync_engine.Opts{
			Store:      m.store,
			Source:     m.source,
			Prober:     m.newProber(),
			Config:     cfg.Sync,
			Logger:     lg.Named("sync"),
			Registerer: m.GetMetricsReg(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init sync engine, %w", err)
		}
		// Shutdown before the store is closed.
		m.closers = append(m.closers, func() error { m.engine.Shutdown(); return nil })
	}

	if withJobs {
		m.registry, err = m.newRegistry()
		if err != nil {
			return nil, fmt.Errorf("failed to init job registry, %w", err)
		}
		m.closers = append(m.closers, m.registry.Close)

		m.prioritizer, err = prioritizer.New(prioritizer.Opts{
			Store:      m.store,
			Registry:   m.registry,
			Config:     cfg.Prioritizer,
			Logger:     lg.Named("prioritizer"),
			Registerer: m.GetMetricsReg(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init prioritizer, %w", err)
		}
		m.closers = append(m.closers, m.prioritizer.Close)
	}

	m.service, err = offline.NewService(offline.Opts{
		Store:       m.store,
		Prioritizer: m.prioritizer,
		Engine:      m.engine,
		Logger:      lg,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OfflineCache) newProber() upstream.Prober {
	pc := m.cfg.Upstream.Probe
	if len(pc.URL) == 0 {
		m.logger.Warn("no probe url is configured, assuming good connectivity")
		return upstream.StaticProber{Level: model.Good}
	}
	return upstream.NewHTTPProber(upstream.HTTPProberOpts{
		URL:               pc.URL,
		Timeout:           time.Duration(pc.TimeoutSec) * time.Second,
		GoodThreshold:     time.Duration(pc.GoodThresholdMS) * time.Millisecond,
		ModerateThreshold: time.Duration(pc.ModerateThresholdMS) * time.Millisecond,
		Logger:            m.logger.Named("probe"),
	})
}

func (m *OfflineCache) newRegistry() (job_registry.Registry, error) {
	jc := m.cfg.Jobs
	if len(jc.RedisURL) == 0 {
		return mem_registry.NewMemRegistry(jc.MemSize, time.Minute), nil
	}
	opt, err := redis.ParseURL(jc.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	client := redis.NewClient(opt)
	r, err := redis_registry.NewRedisRegistry(redis_registry.RedisRegistryOpts{
		Client:        client,
		ClientCloser:  client,
		ClientTimeout: time.Duration(jc.RedisTimeoutMS) * time.Millisecond,
		KeyPrefix:     jc.KeyPrefix,
		Logger:        m.logger.Named("jobs"),
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// Close closes components in reverse order of creation.
func (m *OfflineCache) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

func (m *OfflineCache) GetService() *offline.Service {
	return m.service
}

func (m *OfflineCache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("offline_cache_", m.metricsReg)
}

func (m *OfflineCache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

// RunOfflineCache runs the daemon until ctx is done or a component fails.
// cfgFile is watched for sync configuration changes when not empty.
func RunOfflineCache(ctx context.Context, cfg *Config, cfgFile string) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := newOfflineCache(cfg, lg, true, true)
	if err != nil {
		return err
	}
	defer m.Close()

	h, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Service:     m.service,
		SrcIPHeader: cfg.API.SrcIPHeader,
		MaxBodySize: int64(cfg.API.MaxBodySizeKB) << 10,
		Logger:      lg.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("failed to init api handler, %w", err)
	}
	m.httpAPIMux.Handle("/", h)
	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	sc := safe_close.NewSafeClose()
	stop := context.AfterFunc(ctx, func() { sc.SendCloseSignal(nil) })
	defer stop()

	l, err := m.listenAPI()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           m.httpAPIMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sc.Attach("api server", func(ctx context.Context) error {
		errChan := make(chan error, 1)
		go func() {
			lg.Info("starting api http server", zap.Stringer("addr", l.Addr()))
			errChan <- httpServer.Serve(l)
		}()
		select {
		case err := <-errChan:
			return err
		case <-ctx.Done():
			httpServer.Close()
			return nil
		}
	})

	if *cfg.API.BackgroundSync {
		if err := m.engine.Start(); err != nil {
			sc.SendCloseSignal(err)
		}
	}

	if len(cfgFile) > 0 {
		sc.Attach("config watcher", func(ctx context.Context) error {
			return watchConfig(ctx, cfgFile, lg.Named("config"), m.applySyncConfig)
		})
	}

	<-sc.ReceiveCloseSignal()
	lg.Info("shutting down")
	sc.Done()
	sc.CloseWait()
	return sc.Err()
}

func (m *OfflineCache) listenAPI() (net.Listener, error) {
	l, err := net.Listen("tcp", m.cfg.API.HTTP)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s, %w", m.cfg.API.HTTP, err)
	}
	if n := m.cfg.API.MaxConns; n > 0 {
		l = netutil.LimitListener(l, n)
	}
	if m.cfg.API.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l}
	}
	return l, nil
}

// applySyncConfig applies the sync section of a reloaded config. The rest
// of the file needs a restart.
func (m *OfflineCache) applySyncConfig(cfg *Config) {
	if err := m.engine.Configure(cfg.Sync); err != nil {
		m.logger.Warn("reloaded sync config rejected", zap.Error(err))
		return
	}
	m.logger.Info("sync config reloaded",
		zap.Int("sync_interval_minutes", cfg.Sync.SyncIntervalMinutes),
		zap.Int("priority_data_interval_minutes", cfg.Sync.PriorityDataIntervalMinutes),
		zap.Int("max_cache_size_mb", cfg.Sync.MaxCacheSizeMB))
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
