// Package main provides the entry point for the zero-trust engine service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Micca1978/ztengine/internal/auth"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/engine"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/engine.yaml", "Path to configuration file")
	metricsAddr := flag.String("metrics-addr", "", "Address for the metrics endpoint, overrides metrics.listen_addr")
	demo := flag.Bool("demo", false, "Run an example session flow and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Warn("could not load config file, using defaults")
		cfg = config.Default()
	}
	if *metricsAddr != "" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}

	logger, logCloser := logging.New(&cfg.Logging)
	defer logCloser.Close()

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start engine")
	}

	if *demo {
		if err := runExample(ctx, eng, cfg); err != nil {
			logger.WithError(err).Error("example failed")
		}
		_ = eng.Close()
		return
	}

	var srv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		srv = &http.Server{
			Addr:         cfg.Metrics.ListenAddr,
			Handler:      newRouter(eng),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.WithField("addr", cfg.Metrics.ListenAddr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server error")
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("error shutting down metrics server")
		}
	}
	if err := eng.Close(); err != nil {
		logger.WithError(err).Error("error closing engine")
	}
}

func newRouter(eng *engine.Engine) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(eng.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/security-metrics", func(w http.ResponseWriter, req *http.Request) {
		snapshot, err := eng.GetSecurityMetrics(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	}).Methods("GET")
	return r
}

func runExample(ctx context.Context, eng *engine.Engine, cfg *config.Config) error {
	fmt.Println("\n--- Running Example ---")

	assertions := cfg.Assertions
	if assertions.Secret == "" {
		assertions.Secret = "default-dev-secret-change-in-production"
		cfg.Assertions.Secret = assertions.Secret
	}

	token, err := auth.Issue(&assertions, "testuser", []string{"pwd", "otp"}, time.Now())
	if err != nil {
		return fmt.Errorf("failed to issue assertion: %w", err)
	}
	s, err := eng.CreateSessionFromAssertion(ctx, token, "127.0.0.1", "CLI/1.0", strings.Repeat("a", 32))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	fmt.Printf("Created session for %s: risk %d, trust %s\n", s.UserID, s.RiskScore, s.TrustLevel)

	requests := []types.AccessRequest{
		{Resource: "documents", Action: "read"},
		{Resource: "reports", Action: "write"},
		{Resource: "admin", Action: types.ActionAdmin},
	}
	for _, req := range requests {
		printDecision(req, eng.ValidateAccess(ctx, s.ID, req))
	}

	if err := eng.UpdateSessionRisk(ctx, s.ID, types.RiskIntelligence{
		Type:     types.IntelLocationChange,
		Severity: types.SeverityHigh,
		Source:   "example",
	}); err != nil {
		return fmt.Errorf("failed to update risk: %w", err)
	}
	if updated, ok := eng.GetSession(s.ID); ok {
		fmt.Printf("After location change: risk %d, trust %s\n", updated.RiskScore, updated.TrustLevel)
	}
	printDecision(requests[1], eng.ValidateAccess(ctx, s.ID, requests[1]))

	snapshot, err := eng.GetSecurityMetrics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nActive sessions: %d, average risk %.1f\n", snapshot.ActiveSessions, snapshot.AverageRiskScore)
	fmt.Printf("Recorded %d security events\n", len(eng.Events().GetEvents()))

	fmt.Println("\n--- Example Complete ---")
	return nil
}

func printDecision(req types.AccessRequest, d *types.AccessDecision) {
	if d.Allowed {
		fmt.Printf("Action '%s' on '%s': allow\n", req.Action, req.Resource)
		return
	}
	fmt.Printf("Action '%s' on '%s': deny (%s, required %v)\n", req.Action, req.Resource, d.Reason, d.RequiredActions)
}
