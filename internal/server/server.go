// Package server exposes the core's JSON HTTP surface: triggering a feed
// refresh or a story-generation pass, and reading back stories, articles,
// and scheduler state. There is no HTML/front-end layer here; that is an
// explicit non-goal of the core.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"newsbrief/internal/classify"
	"newsbrief/internal/clustering"
	"newsbrief/internal/config"
	"newsbrief/internal/entities"
	"newsbrief/internal/feeds"
	"newsbrief/internal/llm"
	"newsbrief/internal/logger"
	"newsbrief/internal/scheduler"
	"newsbrief/internal/store"
	"newsbrief/internal/summarize"
	"newsbrief/internal/synthesize"
)

// Deps are every component the server reads from or triggers. Scheduler may
// be left nil and wired afterwards with SetScheduler. Server builds only a
// clustering Runner per generation run and, when a request overrides the
// model, its own Synthesizer.
type Deps struct {
	Store       *store.Store
	Fetcher     *feeds.Fetcher
	Classifier  *classify.Classifier
	Summarizer  *summarize.Summarizer
	Extractor   *entities.Extractor
	LLM         *llm.Client
	Synthesizer *synthesize.Synthesizer
	Scheduler   *scheduler.Scheduler

	ClusterConfig    clustering.Config
	ClusterWindow    time.Duration
	ArchiveAfterDays int

	SynthesisModel    string
	SynthesisPoolSize int

	MaxItemsPerRefresh int
	MaxItemsPerFeed    int
}

// Server serves the HTTP surface of the core over the wired Deps.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	httpClient *http.Client
	log        *slog.Logger
	startedAt  time.Time

	store       *store.Store
	fetcher     *feeds.Fetcher
	classifier  *classify.Classifier
	summarizer  *summarize.Summarizer
	extractor   *entities.Extractor
	llm         *llm.Client
	synthesizer *synthesize.Synthesizer
	scheduler   *scheduler.Scheduler

	clusterConfig    clustering.Config
	clusterWindow    time.Duration
	archiveAfterDays int

	synthesisModel    string
	synthesisPoolSize int

	maxItemsPerRefresh int
	maxItemsPerFeed    int
}

// New builds a Server wired to deps and listening per cfg.
func New(deps Deps, cfg config.Server) *Server {
	s := &Server{
		router:           chi.NewRouter(),
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		log:              logger.Get(),
		startedAt:        time.Now().UTC(),
		store:            deps.Store,
		fetcher:          deps.Fetcher,
		classifier:       deps.Classifier,
		summarizer:       deps.Summarizer,
		extractor:        deps.Extractor,
		llm:              deps.LLM,
		synthesizer:      deps.Synthesizer,
		scheduler:        deps.Scheduler,
		clusterConfig:    deps.ClusterConfig,
		clusterWindow:    deps.ClusterWindow,
		archiveAfterDays: deps.ArchiveAfterDays,
		synthesisModel:     deps.SynthesisModel,
		synthesisPoolSize:  deps.SynthesisPoolSize,
		maxItemsPerRefresh: deps.MaxItemsPerRefresh,
		maxItemsPerFeed:    deps.MaxItemsPerFeed,
	}

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func init() {
	// Request IDs correlate a request across the refresh/enrich/cluster/
	// synthesize pipeline's log lines; chi's default counter-based id resets
	// on every restart, so a UUID is used instead.
	middleware.NextRequestID = func() string { return uuid.NewString() }
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Post("/refresh", s.handleRefresh)
	s.router.Post("/stories/generate", s.handleGenerateStories)

	s.router.Get("/stories", s.handleListStories)
	s.router.Get("/stories/{id}", s.handleGetStory)
	s.router.Get("/stories/{id}/articles", s.handleGetStoryArticles)

	s.router.Get("/items", s.handleListItems)

	s.router.Get("/scheduler/status", s.handleSchedulerStatus)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/ollamaz", s.handleOllamaz)
}

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	s.log.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// SetScheduler wires the scheduler after construction, so the scheduler's
// own job closures can be built from this Server's pipeline methods without
// a construction cycle.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}
