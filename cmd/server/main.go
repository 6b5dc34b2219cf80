package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modelpilot/canary/internal/api"
	"github.com/modelpilot/canary/internal/auth"
	"github.com/modelpilot/canary/internal/decision"
	"github.com/modelpilot/canary/internal/deploy"
	"github.com/modelpilot/canary/internal/eval"
	"github.com/modelpilot/canary/internal/events"
	"github.com/modelpilot/canary/internal/metrics"
	"github.com/modelpilot/canary/internal/perf"
	"github.com/modelpilot/canary/internal/registry"
	"github.com/modelpilot/canary/internal/routing"
	"github.com/modelpilot/canary/pkg/otel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Server struct {
	manager     *deploy.Manager
	router      *routing.Router
	engine      *decision.Engine
	registry    *registry.MemoryRegistry
	recorder    *perf.Recorder
	framework   *eval.Framework // nil when no model endpoint is configured
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Tracing, enabled when an OTLP collector endpoint is configured
	if endpoint := getEnv("OTEL_ENDPOINT", ""); endpoint != "" {
		otelCfg := otel.DefaultConfig("canary-control")
		otelCfg.CollectorEndpoint = endpoint
		otelCfg.Environment = getEnv("OTEL_ENVIRONMENT", "production")
		otelCfg.SamplingRate = getEnvFloat("OTEL_SAMPLING_RATE", 1.0)
		tp, err := otel.InitTracer(context.Background(), otelCfg)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				log.Printf("Error shutting down tracer: %v", err)
			}
		}()
	}

	// Model registry, pre-seeded from MODEL_IDS (comma-separated)
	reg := registry.NewMemoryRegistry()
	for _, id := range splitList(getEnv("MODEL_IDS", "")) {
		if err := reg.Register(&registry.Model{ID: id, Name: id}); err != nil {
			log.Fatalf("Failed to register model %s: %v", id, err)
		}
	}

	// Setup deployment store
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var store deploy.Store
	var err error

	switch storeBackend {
	case "memory":
		store = deploy.NewMemoryStore()
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		store, err = deploy.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		store, err = deploy.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Setup metrics
	m := metrics.New()

	// Event bus with a metrics sink
	bus := events.NewBus(getEnvInt("EVENT_BUFFER", 256))
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		if e.Type == events.DriftDetected {
			m.DriftAlerts.WithLabelValues(e.ModelID).Inc()
		}
	}))

	// Durable event journal
	var journal *events.Journal
	if dir := getEnv("EVENT_JOURNAL_DIR", ""); dir != "" {
		journal, err = events.NewJournal(dir)
		if err != nil {
			log.Fatalf("Failed to create event journal: %v", err)
		}
		bus.Subscribe(journal)
	}

	manager := deploy.NewManager(store, reg, bus)
	router := routing.NewRouter(manager)

	// Performance metrics source and decision audit trail
	recorder := perf.NewRecorder(getEnvDuration("PERF_RETENTION", time.Hour))
	evaluator := decision.NewEvaluator(recorder)

	auditDir := getEnv("DECISION_AUDIT_DIR", "data/decisions")
	auditLog, err := decision.NewAuditLog(auditDir)
	if err != nil {
		log.Fatalf("Failed to create decision audit log: %v", err)
	}

	engine := decision.NewEngine(manager, evaluator, auditLog)
	engine.OnDecision = func(dec *api.RolloutDecision) {
		m.DecisionsTotal.WithLabelValues(string(dec.Action)).Inc()
	}
	engine.OnStale = m.StaleDecisions.Inc
	engine.OnCycleError = m.DecisionCycleErrors.Inc

	// Evaluation framework, enabled when a model endpoint is configured
	var framework *eval.Framework
	var monitor *eval.Monitor
	if endpoint := getEnv("MODEL_ENDPOINT", ""); endpoint != "" {
		invoker := eval.NewHTTPInvoker(endpoint, getEnvDuration("MODEL_TIMEOUT", 30*time.Second))
		framework = eval.NewFramework(invoker)
		if getEnv("SCORER_MODE", "lexical") == "shingle" {
			framework.SetScorers(eval.ShingleScorers())
		}

		if dir := getEnv("DATASET_DIR", ""); dir != "" {
			if err := loadDatasets(framework, dir); err != nil {
				log.Fatalf("Failed to load golden datasets: %v", err)
			}
		}

		monitor = eval.NewMonitor(framework, bus, nil,
			getEnvDuration("DRIFT_INTERVAL", 15*time.Minute),
			getEnvFloat("DRIFT_THRESHOLD", 0.10))
		monitor.Start()
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	// Create server
	srv := &Server{
		manager:   manager,
		router:    router,
		engine:    engine,
		registry:  reg,
		recorder:  recorder,
		framework: framework,
		metrics:   m,
		limiter:   limiter,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Background decision loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, getEnvDuration("DECISION_INTERVAL", time.Minute))

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/deployments", srv.handleDeployments)
	mux.HandleFunc("/v1/deployments/", srv.handleDeployment)
	mux.HandleFunc("/v1/models", srv.handleModels)
	mux.HandleFunc("/v1/observations", srv.handleObservations)
	mux.HandleFunc("/v1/eval/run", srv.handleEvalRun)
	mux.HandleFunc("/v1/eval/abtest", srv.handleABTest)
	mux.HandleFunc("/v1/eval/drift", srv.handleDrift)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// Gateway identity enforcement, opt-in
	authCfg := auth.DefaultConfig()
	authCfg.Enabled = getEnv("AUTH_REQUIRED", "") == "true"
	handler := auth.Middleware(authCfg)(mux)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if monitor != nil {
		monitor.Stop()
	}
	bus.Close()
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("Error closing event journal: %v", err)
		}
	}
	if err := auditLog.Close(); err != nil {
		log.Printf("Error closing decision audit log: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing deployment store: %v", err)
	}

	log.Println("Server stopped")
}

// handleDeployments serves POST /v1/deployments (create) and
// GET /v1/deployments (list, with optional status= and model= filters).
func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if !s.requireScope(w, r, auth.ScopeDeployWrite) {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		var cfg api.DeploymentConfig
		if err := json.Unmarshal(body, &cfg); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		d, err := s.manager.Create(r.Context(), &cfg)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.metrics.DeploymentsCreated.Inc()
		respondJSON(w, http.StatusCreated, d)

	case http.MethodGet:
		f := deploy.Filter{
			Status:  api.DeploymentStatus(r.URL.Query().Get("status")),
			ModelID: r.URL.Query().Get("model"),
		}
		list, err := s.manager.List(r.Context(), f)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, list)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDeployment serves the per-deployment sub-resources:
//
//	GET  /v1/deployments/{id}           record
//	GET  /v1/deployments/{id}/status    record + decisions + recommendations
//	GET  /v1/deployments/{id}/route     per-request model assignment
//	POST /v1/deployments/{id}/start     lifecycle transitions
//	POST /v1/deployments/{id}/pause
//	POST /v1/deployments/{id}/resume
//	POST /v1/deployments/{id}/complete
//	POST /v1/deployments/{id}/rollback  body: {"reason": "..."}
//	POST /v1/deployments/{id}/decide    run one decision cycle now
func (s *Server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/deployments/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Deployment id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if r.Method == http.MethodGet {
		switch action {
		case "":
			d, err := s.manager.Get(ctx, id)
			if err != nil {
				s.respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, d)
		case "status":
			report, err := s.manager.GetStatus(ctx, id)
			if err != nil {
				s.respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, report)
		case "route":
			result, err := s.router.Route(ctx, id)
			if err != nil {
				s.respondError(w, err)
				return
			}
			target := "production"
			if result.IsCanary {
				target = "canary"
			}
			s.metrics.RoutedRequests.WithLabelValues(target).Inc()
			respondJSON(w, http.StatusOK, result)
		default:
			http.Error(w, "Unknown resource", http.StatusNotFound)
		}
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireScope(w, r, auth.ScopeDeployWrite) {
		return
	}

	var d *api.CanaryDeployment
	var err error
	switch action {
	case "start":
		d, err = s.manager.Start(ctx, id)
	case "pause":
		d, err = s.manager.Pause(ctx, id)
	case "resume":
		d, err = s.manager.Resume(ctx, id)
	case "complete":
		d, err = s.manager.Complete(ctx, id)
	case "rollback":
		var req struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil {
			json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
		}
		if req.Reason == "" {
			req.Reason = "manual rollback"
		}
		d, err = s.manager.Rollback(ctx, id, req.Reason)
	case "decide":
		dec, decErr := s.engine.RunCycle(ctx, id)
		if decErr != nil {
			s.respondError(w, decErr)
			return
		}
		respondJSON(w, http.StatusOK, dec)
		return
	default:
		http.Error(w, "Unknown operation", http.StatusNotFound)
		return
	}

	if err != nil {
		s.metrics.TransitionErrors.WithLabelValues(action).Inc()
		s.respondError(w, err)
		return
	}
	s.metrics.TransitionsTotal.WithLabelValues(action).Inc()
	respondJSON(w, http.StatusOK, d)
}

// handleModels serves POST /v1/models (register) and GET /v1/models (list).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var model registry.Model
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&model); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.registry.Register(&model); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusCreated, model)
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.registry.ListModels())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleObservations ingests request outcomes from the serving path. These
// feed the windowed aggregates the decision engine evaluates against.
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ModelID   string   `json:"model_id"`
		LatencyMs float64  `json:"latency_ms"`
		Success   bool     `json:"success"`
		Quality   *float64 `json:"quality,omitempty"`
		CostUSD   float64  `json:"cost_usd"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}

	obs := perf.Observation{
		LatencyMs: req.LatencyMs,
		Success:   req.Success,
		Quality:   -1, // unscored unless supplied
		CostUSD:   req.CostUSD,
	}
	if req.Quality != nil {
		obs.Quality = *req.Quality
	}
	s.recorder.Observe(req.ModelID, obs)
	w.WriteHeader(http.StatusAccepted)
}

// handleEvalRun serves POST /v1/eval/run with body
// {"model_id", "category", "sample_size", "parallel"}.
func (s *Server) handleEvalRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.framework == nil {
		http.Error(w, "Evaluation disabled: no MODEL_ENDPOINT configured", http.StatusServiceUnavailable)
		return
	}
	if !s.requireScope(w, r, auth.ScopeEvalRun) {
		return
	}

	var req struct {
		ModelID    string `json:"model_id"`
		Category   string `json:"category"`
		SampleSize int    `json:"sample_size"`
		Parallel   int    `json:"parallel"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := s.framework.EvaluateModel(r.Context(), req.ModelID, req.Category,
		eval.EvaluateOptions{SampleSize: req.SampleSize, Parallel: req.Parallel})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.metrics.EvalRuns.Inc()
	for _, res := range result.Results {
		s.metrics.EvalEntryScores.Observe(res.Score)
	}
	respondJSON(w, http.StatusOK, result)
}

// handleABTest serves POST /v1/eval/abtest with an eval.ABTestConfig body.
func (s *Server) handleABTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.framework == nil {
		http.Error(w, "Evaluation disabled: no MODEL_ENDPOINT configured", http.StatusServiceUnavailable)
		return
	}

	if !s.requireScope(w, r, auth.ScopeEvalRun) {
		return
	}

	var cfg eval.ABTestConfig
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&cfg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := s.framework.RunABTest(r.Context(), cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleDrift serves POST /v1/eval/drift with body
// {"model_id", "time_frame_hours", "threshold", "pin_baseline"}. With
// pin_baseline set the model's current history becomes its frozen baseline
// instead.
func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.framework == nil {
		http.Error(w, "Evaluation disabled: no MODEL_ENDPOINT configured", http.StatusServiceUnavailable)
		return
	}

	if !s.requireScope(w, r, auth.ScopeEvalRun) {
		return
	}

	var req struct {
		ModelID        string  `json:"model_id"`
		TimeFrameHours float64 `json:"time_frame_hours"`
		Threshold      float64 `json:"threshold"`
		PinBaseline    bool    `json:"pin_baseline"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.PinBaseline {
		if err := s.framework.PinBaseline(req.ModelID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if req.Threshold <= 0 {
		req.Threshold = 0.10
	}
	if req.TimeFrameHours <= 0 {
		req.TimeFrameHours = 24
	}
	timeFrame := time.Duration(req.TimeFrameHours * float64(time.Hour))
	report, err := s.framework.DetectDriftWindow(req.ModelID, timeFrame, req.Threshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if report.Detected {
		s.metrics.DriftAlerts.WithLabelValues(req.ModelID).Inc()
	}
	respondJSON(w, http.StatusOK, report)
}

// requireScope rejects the request only when the gateway attached an
// identity that lacks the scope. Without an identity the auth middleware
// has already admitted or rejected the request.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	ctx := r.Context()
	if _, ok := auth.GetOperatorID(ctx); ok && !auth.HasScope(ctx, scope) {
		http.Error(w, "Forbidden: missing scope "+scope, http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case deploy.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case deploy.IsInvalidTransition(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, deploy.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// loadDatasets loads every *.json file in dir as a golden dataset.
func loadDatasets(f *eval.Framework, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		category, ds, err := eval.LoadDatasetFile(dir + "/" + e.Name())
		if err != nil {
			return err
		}
		if err := f.LoadGoldenDataset(category, ds); err != nil {
			return err
		}
		log.Printf("Loaded golden dataset %q (%d entries)", category, len(ds))
	}
	return nil
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
