// Package service wires together the store, registry, router, metrics
// collector, and IPC listener into one running fire-box instance, and owns
// its startup and shutdown sequencing.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/credential"
	"github.com/tsurumi-yizhou/fire-box/internal/config"
	promMetrics "github.com/tsurumi-yizhou/fire-box/internal/metrics"
	"github.com/tsurumi-yizhou/fire-box/internal/server"
	"github.com/tsurumi-yizhou/fire-box/internal/telemetry"
	"github.com/tsurumi-yizhou/fire-box/ipc"
	"github.com/tsurumi-yizhou/fire-box/metrics"
	"github.com/tsurumi-yizhou/fire-box/registry"
	"github.com/tsurumi-yizhou/fire-box/router"
	"github.com/tsurumi-yizhou/fire-box/store"
)

// Service is one running fire-box instance.
type Service struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Store
	registry   *registry.Registry
	router     *router.Router
	metrics    *metrics.Collector
	promMirror *promMetrics.Collector
	transport  *server.Manager
	metricsSrv *server.Manager
	telemetry  *telemetry.Providers

	stopExport chan struct{}
}

// New wires all collaborators. Legacy provider migration and router
// initialization both complete synchronously before New returns, so no
// request can be served against partially-initialized routing state.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	storeDir := cfg.Store.Dir
	if storeDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		storeDir = filepath.Join(base, "fire-box")
	}

	creds := credential.NewOSStore()
	dataStore := store.New(storeDir, creds, logger)
	reg := registry.New(dataStore, creds, logger)

	if err := reg.MigrateLegacyProviders(context.Background()); err != nil {
		logger.Warn("legacy provider migration failed", zap.Error(err))
	}

	rtr, err := router.New(dataStore, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize router: %w", err)
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	collector := metrics.NewCollector()
	promMirror := promMetrics.NewCollector("firebox", logger)
	ipcServer := ipc.New(reg, rtr, collector, logger)

	transportCfg := server.DefaultConfig()
	transportCfg.Addr = cfg.IPC.BindAddr
	transport := server.NewManager(http.Handler(ipcServer), transportCfg, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = cfg.Metrics.BindAddr
	metricsSrv := server.NewManager(metricsMux, metricsCfg, logger)

	return &Service{
		cfg:        cfg,
		logger:     logger,
		store:      dataStore,
		registry:   reg,
		router:     rtr,
		metrics:    collector,
		promMirror: promMirror,
		transport:  transport,
		metricsSrv: metricsSrv,
		telemetry:  tel,
		stopExport: make(chan struct{}),
	}, nil
}

// Start begins serving IPC connections and the background metrics export
// loop, returning once the listener is bound.
func (s *Service) Start() error {
	if err := s.transport.Start(); err != nil {
		return err
	}
	if err := s.metricsSrv.Start(); err != nil {
		return err
	}
	go s.runMetricsExport()
	s.logger.Info("fire-box started",
		zap.String("ipc_addr", s.cfg.IPC.BindAddr),
		zap.String("metrics_addr", s.cfg.Metrics.BindAddr),
	)
	return nil
}

// Run starts the service and blocks until a shutdown signal or transport
// error, then shuts down gracefully.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.transport.WaitForShutdown()
	close(s.stopExport)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// Shutdown gracefully stops the IPC listener, metrics listener, and
// background export loop.
func (s *Service) Shutdown(ctx context.Context) error {
	select {
	case <-s.stopExport:
	default:
		close(s.stopExport)
	}
	if err := s.metricsSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return s.transport.Shutdown(ctx)
}

func (s *Service) runMetricsExport() {
	interval := s.cfg.Metrics.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopExport:
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			windowStart := now - interval.Milliseconds()
			snap := s.metrics.Snapshot(windowStart, now)
			breakdown := s.metrics.GetProviderMetrics(windowStart, now)
			s.promMirror.Mirror(snap, breakdown)
			s.logger.Debug("metrics snapshot",
				zap.Int64("requests_total", snap.RequestsTotal),
				zap.Int64("requests_success", snap.RequestsSuccess),
				zap.Int64("requests_failed", snap.RequestsFailed),
				zap.Int64("latency_avg_ms", snap.LatencyAvgMs),
			)
		}
	}
}

// Metrics returns the service's metrics collector, for callers (e.g. a
// Prometheus handler mounted alongside the IPC listener) that need direct
// access.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Registry returns the service's provider registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Router returns the service's alias router.
func (s *Service) Router() *router.Router { return s.router }
