package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liamcoop/detect/config"
	"github.com/liamcoop/detect/enginemanager"
	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/internal/wire"
	"github.com/liamcoop/detect/migrations"
	"github.com/liamcoop/detect/rules"
	_ "github.com/liamcoop/detect/rules/builtin"
)

// maxBodyBytes bounds request bodies on every endpoint
const maxBodyBytes = 32 << 20

type Server struct {
	cfg     *config.Config
	db      *sql.DB
	manager *enginemanager.Manager
	router  *chi.Mux
}

// NewServer wires the engine manager and routes. db may be nil, in which case
// namespace roots are unavailable unless opts supply a store factory.
func NewServer(cfg *config.Config, db *sql.DB, opts ...enginemanager.Option) (*Server, error) {
	cache, err := enginemanager.NewEngineCache(cfg.Cache.Kind, enginemanager.CacheConfig{
		TTL:  cfg.Cache.TTL,
		Size: cfg.Cache.Size,
	})
	if err != nil {
		return nil, err
	}

	loaderOpts := []rules.LoaderOption{rules.WithRegexTimeout(cfg.Rules.RegexTimeout)}
	if cfg.Rules.Builtin {
		loaderOpts = append(loaderOpts, rules.WithBuiltins())
	}

	managerOpts := append([]enginemanager.Option{
		enginemanager.WithDB(db),
		enginemanager.WithCache(cache),
		enginemanager.WithWorkers(cfg.Rules.Workers),
	}, opts...)

	s := &Server{
		cfg:     cfg,
		db:      db,
		manager: enginemanager.NewManager(rules.NewLoader(loaderOpts...), managerOpts...),
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}
	if s.cfg.Server.RateLimit.RPS > 0 {
		r.Use(newIPRateLimiter(s.cfg.Server.RateLimit.RPS, s.cfg.Server.RateLimit.Burst).Middleware)
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/analyze", s.handleAnalyze)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules/reload", s.handleReload)

		// Database-backed rule documents
		r.Route("/namespaces/{namespace}/rules", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Post("/", s.handleCreateDocument)
			r.Get("/{docId}", s.handleGetDocument)
			r.Put("/{docId}", s.handleUpdateDocument)
			r.Delete("/{docId}", s.handleDeleteDocument)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Database:      s.db != nil,
		EnginesCached: len(s.manager.Roots()),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// Analyze handler. The body codec follows Content-Type, the response codec
// follows Accept and defaults to the body's.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	codec := wire.CodecForContentType(r.Header.Get("Content-Type"))

	req, err := codec.DecodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	engine, ok := s.engine(w, req.RulesDir)
	if !ok {
		return
	}

	var matches []rules.Match
	if s.cfg.Rules.Workers > 1 {
		matches, err = engine.AnalyzeParallel(r.Context(), req.Events)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "analysis cancelled", err)
			return
		}
	} else {
		matches = engine.Analyze(req.Events)
	}

	out := codec
	if accept := r.Header.Get("Accept"); accept != "" && accept != "*/*" {
		out = wire.CodecForContentType(accept)
	}

	w.Header().Set("Content-Type", out.ContentType())
	w.WriteHeader(http.StatusOK)
	if err := out.EncodeResponse(w, &wire.Response{Matches: matches}); err != nil {
		logger.Error("failed to write analyze response", "error", err)
	}
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("rules_dir")

	engine, ok := s.engine(w, root)
	if !ok {
		return
	}

	reg := engine.Registry()
	resp := RulesListResponse{
		RulesDir:   root,
		Rules:      make([]RuleResponse, 0, reg.Len()),
		Collisions: reg.Collisions(),
	}
	for _, u := range reg.Units() {
		resp.Rules = append(resp.Rules, ruleResponse(u))
	}

	respondJSON(w, http.StatusOK, resp)
}

// Reload handler: drops the cached engine and builds it again
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("rules_dir")
	if err := enginemanager.ValidateRoot(root, s.cfg.Rules.AllowedRoots); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rules_dir", err)
		return
	}

	s.manager.Invalidate(root)

	engine, ok := s.engine(w, root)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, ReloadResponse{RulesDir: root, Rules: engine.Registry().Len()})
}

// engine validates root and resolves its engine, writing the error response on failure
func (s *Server) engine(w http.ResponseWriter, root string) (*rules.Engine, bool) {
	if err := enginemanager.ValidateRoot(root, s.cfg.Rules.AllowedRoots); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rules_dir", err)
		return nil, false
	}

	engine, err := s.manager.Engine(root)
	if errors.Is(err, enginemanager.ErrNoDatabase) {
		respondError(w, http.StatusBadRequest, "namespace roots are not available", err)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return nil, false
	}
	return engine, true
}

// store resolves the namespace URL parameter, writing the error response on failure
func (s *Server) store(w http.ResponseWriter, r *http.Request) (string, rules.RuleStore, bool) {
	ns := chi.URLParam(r, "namespace")
	if err := enginemanager.ValidateNamespace(ns); err != nil {
		respondError(w, http.StatusBadRequest, "invalid namespace", err)
		return "", nil, false
	}

	store, err := s.manager.Store(ns)
	if err != nil {
		respondError(w, http.StatusNotImplemented, "namespace roots are not available", err)
		return "", nil, false
	}
	return ns, store, true
}

// List documents handler
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ns, store, ok := s.store(w, r)
	if !ok {
		return
	}

	docs, err := store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := DocumentsListResponse{Namespace: ns, Documents: make([]DocumentResponse, 0, len(docs))}
	for _, doc := range docs {
		resp.Documents = append(resp.Documents, documentResponse(doc))
	}

	respondJSON(w, http.StatusOK, resp)
}

// Create document handler
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	ns, store, ok := s.store(w, r)
	if !ok {
		return
	}

	var req CreateDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	doc := &rules.RuleDocument{
		ID:     uuid.New().String(),
		Path:   req.Path,
		Body:   req.Body,
		Active: req.Active == nil || *req.Active,
	}

	if !s.checkDocument(w, store, doc) {
		return
	}

	if err := store.Add(doc); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}
	s.manager.Invalidate(enginemanager.NamespaceRoot(ns))

	// re-read for the store-assigned timestamps
	if stored, err := store.Get(doc.ID); err == nil {
		doc = stored
	}
	respondJSON(w, http.StatusCreated, documentResponse(doc))
}

// Get document handler
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	_, store, ok := s.store(w, r)
	if !ok {
		return
	}

	id, ok := documentID(w, r)
	if !ok {
		return
	}

	doc, err := store.Get(id)
	if errors.Is(err, rules.ErrNoSuchRule) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, documentResponse(doc))
}

// Update document handler
func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	ns, store, ok := s.store(w, r)
	if !ok {
		return
	}

	var req UpdateDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, ok := documentID(w, r)
	if !ok {
		return
	}

	doc, err := store.Get(id)
	if errors.Is(err, rules.ErrNoSuchRule) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}

	if req.Path != nil {
		doc.Path = *req.Path
	}
	if req.Body != nil {
		doc.Body = *req.Body
	}
	if req.Active != nil {
		doc.Active = *req.Active
	}

	if !s.checkDocument(w, store, doc) {
		return
	}

	if err := store.Update(doc); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update rule", err)
		return
	}
	s.manager.Invalidate(enginemanager.NamespaceRoot(ns))

	if stored, err := store.Get(doc.ID); err == nil {
		doc = stored
	}
	respondJSON(w, http.StatusOK, documentResponse(doc))
}

// Delete document handler
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ns, store, ok := s.store(w, r)
	if !ok {
		return
	}

	id, ok := documentID(w, r)
	if !ok {
		return
	}

	err := store.Delete(id)
	if errors.Is(err, rules.ErrNoSuchRule) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	s.manager.Invalidate(enginemanager.NamespaceRoot(ns))

	w.WriteHeader(http.StatusNoContent)
}

// documentID reads the document id URL parameter. Ids are UUIDs, so anything
// else cannot name a stored document.
func documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "docId")
	if err := uuid.Validate(id); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return "", false
	}
	return id, true
}

// checkDocument compiles doc against the other active documents of the
// namespace and writes a 422 when it would not load. Inactive documents are
// never loaded, so only their path is checked.
func (s *Server) checkDocument(w http.ResponseWriter, store rules.RuleStore, doc *rules.RuleDocument) bool {
	if !rules.IsCandidate(doc.Path) && !rules.IsHelper(doc.Path) {
		respondError(w, http.StatusUnprocessableEntity, "rule does not compile",
			fmt.Errorf("%s is not a rule definition or helper file", doc.Path))
		return false
	}
	if !doc.Active {
		return true
	}

	var err error
	if rules.IsHelper(doc.Path) {
		_, err = rules.ParseHelper([]byte(doc.Body))
	} else {
		var active []*rules.RuleDocument
		active, err = store.ListActive()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list rules", err)
			return false
		}
		others := make([]rules.Source, 0, len(active))
		for _, other := range active {
			if other.ID != doc.ID {
				others = append(others, other.Source())
			}
		}
		err = s.manager.Loader().Check(others, doc.Source())
	}

	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "rule does not compile", err)
		return false
	}
	return true
}

var validate = validator.New()

// decodeJSON decodes and validates a request body, writing a 400 on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if !cfg.HasDatabase() {
		return nil, nil
	}

	if cfg.Database.Migrate {
		if err := migrations.Up(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func main() {
	configFile := pflag.StringP("config", "c", "", "Config file path (default: ./detect.yaml if present)")
	port := pflag.IntP("port", "p", 0, "Listen port (overrides server.port)")
	pflag.Parse()

	v := viper.New()
	if *port != 0 {
		v.Set("server.port", *port)
	}

	cfg, err := config.Load(v, *configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger.SetLevelFromString(cfg.Log.Level, logger.LevelInfo)

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	if db != nil {
		defer db.Close()
	} else {
		logger.Info("no database configured, namespace roots disabled")
	}

	server, err := NewServer(cfg, db)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
