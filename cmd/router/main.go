package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vllm-project/router/internal/admission"
	"github.com/vllm-project/router/internal/buildinfo"
	"github.com/vllm-project/router/internal/config"
	"github.com/vllm-project/router/internal/discovery"
	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/enginestats"
	"github.com/vllm-project/router/internal/httpapi"
	"github.com/vllm-project/router/internal/logging"
	"github.com/vllm-project/router/internal/metrics"
	"github.com/vllm-project/router/internal/pdpipeline"
	"github.com/vllm-project/router/internal/proxy"
	"github.com/vllm-project/router/internal/requeststats"
	"github.com/vllm-project/router/internal/routing"
	"github.com/vllm-project/router/internal/scanloop"
)

func main() {
	cfg, err := config.Parse("router", buildinfo.Version, os.Args[1:])
	if err != nil {
		fatalf("%v", err)
	}
	env := config.LoadEnv()

	log, err := logging.New(cfg.LogStats)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer log.Sync()

	liveness := newLivenessFlag()

	disc, registry, err := newDiscovery(cfg, log, liveness)
	if err != nil {
		fatalf("discovery: %v", err)
	}

	scraper := enginestats.NewScraper(disc, cfg.EngineStatsInterval.Duration, log)
	scraper.Start()

	monitor := requeststats.NewMonitor(cfg.RequestStatsWindow.Duration, nil)

	trieCfg := routing.TrieConfig{
		MaxMemoryMB:       env.HashtrieMaxMemoryMB,
		EvictionThreshold: env.HashtrieEvictionThreshold,
		TargetUtilization: env.HashtrieTargetUtilization,
	}
	affinity := routing.NewAffinity(cfg.RoutingLogic, trieCfg, cfg.WeightedWeights, time.Now)

	router := &routing.Router{
		Filters:  routing.NewFilters(),
		Affinity: affinity,
		Stats:    monitor,
		Engine:   scraper,
	}

	transportPool := proxy.NewTransportPool(proxy.TransportConfig{})
	defer transportPool.CloseAll()

	metricsRegistry := metrics.New()

	var kvReady *pdpipeline.KVReadySocket
	if cfg.RoutingLogic == config.RoutingDisaggregated {
		kvReady = pdpipeline.NewKVReadySocket(log)
		if err := kvReady.Listen(cfg.KVReadyBind); err != nil {
			fatalf("kv-ready listen: %v", err)
		}
		defer kvReady.Close()
	}

	var scheduler *admission.Scheduler
	if cfg.AdmissionQueueEnabled {
		scheduler = admission.NewScheduler(
			admission.FreeThresholds{
				MaxRunningRequests: cfg.AdmissionMaxRunning,
				MaxCacheUsage:      cfg.AdmissionMaxCacheUsed,
			},
			scraper,
			&schedulerRerouter{registry: registry, router: router},
			cfg.AdmissionMaxQueueWait.Duration,
			log,
		)
		defer scheduler.Shutdown()
	}

	monitorHooks := proxy.Hooks{
		OnRouted: func(h endpoint.Hash) { monitor.OnNewRequest(h, "", time.Now()) },
		OnFirstChunk: func(h endpoint.Hash) { monitor.OnRequestResponse(h, "", time.Now()) },
		OnComplete: func(h endpoint.Hash, status int) { monitor.OnRequestComplete(h, "", time.Now()) },
	}

	newProxy := func(path string, role endpoint.Role, multipart bool) *proxy.RequestProxy {
		proxyCfg := proxy.Config{
			EndpointPath:        path,
			Endpoints:           registry,
			Router:              router,
			Transport:           transportPool,
			MaxFailoverAttempts: cfg.MaxFailoverAttempts,
			Aliases:             cfg.StaticAliases,
			Hooks:               monitorHooks,
			Metrics:             metricsRegistry,
			SessionHeader:       cfg.SessionKey,
			Log:                 log,
			RequiredRole:        role,
			Multipart:           multipart,
		}
		if scheduler != nil {
			proxyCfg.Admission = scheduler
		}
		return proxy.New(proxyCfg)
	}

	var chatHandler http.Handler = newProxy("/v1/chat/completions", endpoint.RoleNone, false)
	if cfg.RoutingLogic == config.RoutingDisaggregated {
		chatHandler = newDisaggregatedHandler(
			cfg.DisaggregatedPrefillURL, cfg.DisaggregatedDecodeURL,
			kvReady, &http.Client{}, 2*time.Second, log,
		)
	}

	httpCfg := httpapi.Config{
		Registry:        registry,
		Health:          liveness,
		Metrics:         metricsRegistry,
		Version:         buildinfo.Version,
		AdminToken:      cfg.AdminToken,
		Log:             log,
		SleepClient:     &http.Client{Timeout: 5 * time.Second},
		ChatCompletions: chatHandler,
		Completions:     newProxy("/v1/completions", endpoint.RoleNone, false),
		Embeddings:      newProxy("/v1/embeddings", endpoint.RoleNone, false),
		Transcriptions:  newProxy("/v1/audio/transcriptions", endpoint.RoleTranscription, true),
	}
	handler := httpapi.NewServer(httpCfg)

	metricsSyncStop := make(chan struct{})
	go scanloop.Run(metricsSyncStop, cfg.EngineStatsInterval.Duration, cfg.EngineStatsInterval.Duration/4, func() {
		syncMetrics(registry, scraper, monitor, metricsRegistry)
	})
	defer close(metricsSyncStop)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: handler}
	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("router listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		runtimeErr = err
		log.Error("server runtime error, shutting down", zap.Error(err))
	}

	liveness.markUnhealthy()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	log.Info("http server stopped")

	if scheduler != nil {
		scheduler.Shutdown()
		log.Info("admission scheduler stopped")
	}

	scraper.Stop()
	log.Info("engine stats scraper stopped")

	if err := disc.Close(); err != nil {
		log.Warn("discovery close error", zap.Error(err))
	}
	log.Info("discovery stopped")

	if kvReady != nil {
		if err := kvReady.Close(); err != nil {
			log.Warn("kv-ready socket close error", zap.Error(err))
		}
	}

	transportPool.CloseAll()
	log.Info("transport pool closed")

	if runtimeErr != nil {
		fatalf("runtime server error: %v", runtimeErr)
	}
}

// newDiscovery builds the Static or Cluster discovery variant (§4.1)
// and returns the shared registry underneath it, which both the HTTP
// control surface and the request proxies read directly.
func newDiscovery(cfg *config.Config, log *zap.Logger, liveness *livenessFlag) (discovery.Discovery, *endpoint.Registry, error) {
	switch cfg.ServiceDiscovery {
	case config.DiscoveryStatic:
		s := discovery.NewStatic(discovery.StaticConfig{
			Backends: cfg.StaticBackends,
			Models:   cfg.StaticModels,
			Aliases:  cfg.StaticAliases,
			Logger:   log,
		})
		return s, s.Registry(), nil

	case config.DiscoveryCluster:
		restCfg, err := loadKubeConfig()
		if err != nil {
			return nil, nil, err
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building k8s clientset: %w", err)
		}
		c := discovery.NewCluster(discovery.ClusterConfig{
			Clientset:     clientset,
			Namespace:     cfg.K8sNamespace,
			LabelSelector: cfg.K8sLabelSelector,
			EnginePort:    cfg.K8sPort,
			Logger:        log,
		})
		return c, c.Registry(), nil

	default:
		return nil, nil, fmt.Errorf("unknown service discovery kind %q", cfg.ServiceDiscovery)
	}
}

// loadKubeConfig prefers in-cluster credentials, falling back to
// KUBECONFIG for running the router against a cluster from a laptop.
func loadKubeConfig() (*rest.Config, error) {
	if c, err := rest.InClusterConfig(); err == nil {
		return c, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfig = home + "/.kube/config"
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// syncMetrics pushes the engine-stats and request-stats tables into
// the router's own Prometheus exposition registry (§6).
func syncMetrics(registry *endpoint.Registry, scraper *enginestats.Scraper, monitor *requeststats.Monitor, reg *metrics.Registry) {
	snapshot := registry.Snapshot()
	healthyByModel := map[string]int{}
	for _, e := range snapshot {
		if e.Sleeping {
			continue
		}
		st, _ := scraper.Get(e.Hash)
		rs := monitor.GetStats(e.Hash)
		reg.SetEngineGauges(e.URL, e.Model,
			st.NumRunningRequests, st.NumQueuingRequests, int(rs.NumSwappedRequests),
			rs.QPS, rs.AvgLatency, rs.AvgITL, rs.AvgDecodingLength(), st.GPUPrefixCacheHitRate,
			rs.InPrefillRequests, rs.InDecodingRequests,
		)
		healthyByModel[e.Model]++
	}
	for model, n := range healthyByModel {
		reg.SetHealthyPods(model, n)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
