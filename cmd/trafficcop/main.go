package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/analytics"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/balancer"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/circuit"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/config"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/gateway"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/metrics"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/ratelimit"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/registry"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/session"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/statesync"
	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the core
	reg := registry.New()
	bal := balancer.New(reg)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultCapacity: cfg.RateLimit.DefaultCapacity,
		DefaultWindow:   cfg.RateLimit.DefaultWindow,
		IdleTTL:         cfg.RateLimit.IdleTTL,
		SweepInterval:   cfg.RateLimit.SweepInterval,
	}, nil)

	sessions := session.NewManager(session.Config{
		DefaultTTL:    cfg.Session.DefaultTTL,
		GracePeriod:   cfg.Session.GracePeriod,
		SweepInterval: cfg.Session.SweepInterval,
	}, nil)

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	pillarStore := statesync.NewRedisPillarStore(cfg.Sync.RedisAddr, cfg.Sync.StateTTL)
	synchronizer := statesync.NewSynchronizer(pillarStore, statesync.Config{
		Workers:      cfg.Sync.Workers,
		QueueDepth:   cfg.Sync.QueueDepth,
		WriteTimeout: cfg.Sync.WriteTimeout,
		OnSettled: func(status types.SyncStatus) {
			m.SyncJobsTotal.WithLabelValues(status.String()).Inc()
		},
	})

	breakers := circuit.NewGroup(cfg.Circuit.MaxFailures, cfg.Circuit.Cooldown)

	publisher := analytics.NewPublisher(cfg.Analytics.KafkaBrokers, cfg.Analytics.KafkaTopic)
	defer publisher.Close()
	collector := analytics.NewCollector(analytics.NewRing(cfg.Analytics.RingCapacity), publisher, nil)

	core := gateway.NewTrafficCore(reg, bal, limiter, sessions, synchronizer, breakers, collector, gateway.NewHTTPTransport(), m, gateway.Options{
		ForwardTimeout:   cfg.Gateway.ForwardTimeout,
		CandidateRetries: cfg.Gateway.CandidateRetries,
		DefaultStrategy:  types.Strategy(cfg.Gateway.DefaultStrategy),
		RefundOnCancel:   cfg.RateLimit.RefundOnCancel,
	})
	core.Start(ctx)
	defer core.Stop()

	prober := registry.NewProber(reg, registry.ProberConfig{
		Interval: cfg.Health.ProbeInterval,
		Timeout:  cfg.Health.ProbeTimeout,
	})
	if err := prober.Start(ctx); err != nil {
		log.Fatalf("Failed to start health prober: %v", err)
	}
	defer prober.Stop()

	// Data plane
	handler := gateway.NewHandler(core)
	dataServer := &fasthttp.Server{
		Handler:               handler.Handle,
		Name:                  "traffic-cop",
		Concurrency:           64 * 1024,
		MaxRequestBodySize:    10 * 1024 * 1024,
		ReadBufferSize:        64 * 1024,
		WriteBufferSize:       64 * 1024,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
		IdleTimeout:           60 * time.Second,
		NoDefaultServerHeader: true,
	}

	go func() {
		log.Infof("Traffic cop data plane starting on :%s with %d CPU cores", cfg.Server.HTTPPort, runtime.NumCPU())
		if err := dataServer.ListenAndServe(":" + cfg.Server.HTTPPort); err != nil {
			log.Fatalf("Data plane server failed: %v", err)
		}
	}()

	// Admin plane
	adminServer := &http.Server{
		Addr:    ":" + cfg.Server.AdminPort,
		Handler: newAdminRouter(core, sessions, promRegistry),
	}

	go func() {
		log.Infof("Traffic cop admin plane starting on :%s", cfg.Server.AdminPort)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server failed: %v", err)
		}
	}()

	// Keep the active-session gauge fresh
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ActiveSessions.Set(float64(sessions.ActiveCount()))
			case <-ctx.Done():
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down traffic cop...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := dataServer.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorf("Data plane forced to shutdown: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Admin server forced to shutdown: %v", err)
	}

	log.Info("Traffic cop exited")
}

// newAdminRouter exposes the introspection and administrative surface
func newAdminRouter(core *gateway.TrafficCore, sessions *session.Manager, promRegistry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	r.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	r.HandleFunc("/v1/routes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"routes": core.Routes()})
	}).Methods("GET")

	r.HandleFunc("/v1/routes", func(w http.ResponseWriter, req *http.Request) {
		var route types.Route
		if err := json.NewDecoder(req.Body).Decode(&route); err != nil || route.Prefix == "" || route.Service == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prefix and service are required"})
			return
		}
		core.AddRoute(route)
		writeJSON(w, http.StatusCreated, route)
	}).Methods("POST")

	// Prefixes contain slashes, so removal takes the prefix in the body
	r.HandleFunc("/v1/routes", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Prefix string `json:"prefix"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Prefix == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prefix is required"})
			return
		}
		core.RemoveRoute(body.Prefix)
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")

	r.HandleFunc("/v1/services/{service}/instances", func(w http.ResponseWriter, req *http.Request) {
		service := mux.Vars(req)["service"]
		var inst types.ServiceInstance
		if err := json.NewDecoder(req.Body).Decode(&inst); err != nil || inst.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instance id is required"})
			return
		}
		if err := core.Registry.Register(service, &inst); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	}).Methods("POST")

	r.HandleFunc("/v1/services/{service}/instances/{id}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		if err := core.Registry.Deregister(vars["service"], vars["id"]); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")

	r.HandleFunc("/v1/services/{service}/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, core.ServiceHealth(mux.Vars(req)["service"]))
	}).Methods("GET")

	r.HandleFunc("/v1/analytics", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		report := core.Analytics.Query(analytics.Query{
			TimeRange: q.Get("time_range"),
			Service:   q.Get("service"),
			Endpoint:  q.Get("endpoint"),
			UserID:    q.Get("user_id"),
		})
		writeJSON(w, http.StatusOK, report)
	}).Methods("GET")

	r.HandleFunc("/v1/sync/{id}", func(w http.ResponseWriter, req *http.Request) {
		status, err := core.Sync.Status(mux.Vars(req)["id"])
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "sync job not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sync_status": status.String()})
	}).Methods("GET")

	r.HandleFunc("/v1/ratelimit/reset", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			UserID      string `json:"user_id"`
			APIEndpoint string `json:"api_endpoint"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			return
		}
		core.Limiter.Reset(body.UserID, body.APIEndpoint)
		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	r.HandleFunc("/v1/sessions/{id}/suspend", func(w http.ResponseWriter, req *http.Request) {
		writeTransition(w, sessions.Suspend(mux.Vars(req)["id"]))
	}).Methods("POST")

	r.HandleFunc("/v1/sessions/{id}/resume", func(w http.ResponseWriter, req *http.Request) {
		writeTransition(w, sessions.Resume(mux.Vars(req)["id"]))
	}).Methods("POST")

	return r
}

// writeTransition maps an administrative status transition result: a
// missing session is 404, a session in the wrong status is 409.
func writeTransition(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, types.ErrWrongStatus):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to encode admin response")
	}
}
