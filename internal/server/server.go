package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/config"
	"github.com/raaihank/regexner/internal/etl"
	"github.com/raaihank/regexner/internal/logger"
	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/store"
	"github.com/raaihank/regexner/internal/web"
	"github.com/raaihank/regexner/internal/websocket"
)

// Version is reported by /info
const Version = "0.1.0"

// statusInterval is how often system_status events are broadcast
const statusInterval = 30 * time.Second

// MentionLookup reads stored mentions back
type MentionLookup interface {
	ByCorpus(ctx context.Context, corpusID string) ([]*store.Mention, error)
}

// Server exposes the annotation pipeline over HTTP
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	pipeline *etl.Pipeline
	mentions MentionLookup
	router   *mux.Router
	server   *http.Server
	wsHub    *websocket.Hub
	limiter  *RateLimiter

	// annotatorMu serialises annotator rebuilds
	annotatorMu     sync.Mutex
	annotatorConfig ner.Config

	startTime time.Time
	requests  atomic.Int64
	cancel    context.CancelFunc
}

// New creates a new server instance around an annotation pipeline. mentions may
// be nil, in which case /mentions is not served.
func New(cfg *config.Config, log *logger.Logger, pipeline *etl.Pipeline, mentions MentionLookup) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("%w: server needs a pipeline", ner.ErrConfiguration)
	}

	server := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		pipeline:  pipeline,
		mentions:  mentions,
		router:    mux.NewRouter(),
		startTime: time.Now(),

		annotatorConfig: cfg.Annotator,
	}

	if cfg.WebSocket.Enabled {
		ws := cfg.WebSocket
		server.wsHub = websocket.NewHub(&websocket.HubConfig{
			BroadcastAnnotations: ws.Events.BroadcastAnnotations,
			BroadcastRules:       ws.Events.BroadcastRules,
			BroadcastSystem:      ws.Events.BroadcastSystem,
			BroadcastConnections: ws.Events.BroadcastConnections,
			Username:             ws.Auth.Username,
			Password:             ws.Auth.Password,
			AllowedOrigins:       ws.AllowedOrigins,
			MaxConnections:       ws.MaxConnections,
			ReadBufferSize:       ws.ReadBufferSize,
			WriteBufferSize:      ws.WriteBufferSize,
			PingInterval:         ws.PingInterval,
			PongTimeout:          ws.PongTimeout,
			WriteTimeout:         ws.WriteTimeout,
			MaxMessageSize:       ws.MaxMessageSize,
		}, log.WithComponent("websocket").Logger)
	}

	if cfg.RateLimit.Enabled {
		server.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize, time.Hour)
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.NewRoute().Subrouter()
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)

	if s.mentions != nil {
		api.HandleFunc("/mentions/{corpus_id}", s.handleMentions).Methods(http.MethodGet)
	}
	api.Handle("/annotate", s.rateLimitMiddleware(http.HandlerFunc(s.handleAnnotate))).Methods(http.MethodPost)

	api.HandleFunc("/", web.ServeDashboard).Methods(http.MethodGet)
	api.HandleFunc("/dashboard", web.ServeDashboard).Methods(http.MethodGet)

	// The upgrade needs the raw ResponseWriter, so no logging wrapper here
	if s.wsHub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the background workers and serves HTTP until Stop is called
func (s *Server) Start() error {
	rules := s.pipeline.Annotator().Rules()
	s.logger.Info("Starting regexner server",
		zap.Int("port", s.config.Server.Port),
		zap.Int("rules", rules.Len()),
		zap.Strings("labels", rules.Labels()),
		zap.Bool("websocket", s.wsHub != nil),
		zap.Bool("rate_limit", s.limiter != nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runBackground(ctx)

	return s.server.ListenAndServe()
}

func (s *Server) runBackground(ctx context.Context) {
	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
		go s.statusLoop(ctx)
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx, s.config.RateLimit.CleanupInterval)
	}
}

// Stop gracefully stops the HTTP server and the background workers
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping regexner server")
	if s.cancel != nil {
		s.cancel()
	}
	return s.server.Shutdown(ctx)
}

// ReloadRules switches the pipeline to a new rule table. Requests already being
// annotated finish with the previous table. The new annotator starts with fresh
// statistics.
func (s *Server) ReloadRules(rules *ner.RuleTable) error {
	s.annotatorMu.Lock()
	defer s.annotatorMu.Unlock()

	if err := s.swapAnnotator(rules, s.annotatorConfig); err != nil {
		return err
	}

	s.logger.Info("Rules reloaded",
		zap.Int("rules", rules.Len()),
		zap.String("fingerprint", rules.Fingerprint()))

	if s.wsHub != nil {
		s.wsHub.BroadcastEvent(websocket.NewEvent(websocket.EventTypeRulesReloaded, rulesEvent(rules)))
	}
	return nil
}

// ApplyAnnotatorConfig rebuilds the annotator around the current rule table with
// new settings, which later rule reloads keep using.
func (s *Server) ApplyAnnotatorConfig(cfg ner.Config) error {
	s.annotatorMu.Lock()
	defer s.annotatorMu.Unlock()

	if err := s.swapAnnotator(s.pipeline.Annotator().Rules(), cfg); err != nil {
		return err
	}
	s.annotatorConfig = cfg

	s.logger.Info("Annotator settings applied",
		zap.String("background_symbol", cfg.BackgroundSymbol),
		zap.Int("workers", cfg.Workers))
	return nil
}

func (s *Server) swapAnnotator(rules *ner.RuleTable, cfg ner.Config) error {
	previous := s.pipeline.Annotator().Stats()
	annotator, err := ner.NewAnnotator(rules, cfg, s.logger.WithComponent("annotator").Logger)
	if err != nil {
		return fmt.Errorf("failed to create annotator: %w", err)
	}
	s.pipeline.SetAnnotator(annotator)

	s.logger.Debug("Annotator replaced",
		zap.Int64("previous_corpora", previous.Corpora),
		zap.Int64("previous_sentences", previous.Sentences),
		zap.Int64("previous_labelled_tokens", previous.LabelledTokens))
	return nil
}

// GetWebSocketHub returns the WebSocket hub, nil when disabled
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsHub.BroadcastEvent(websocket.NewEvent(websocket.EventTypeSystemStatus, s.systemStatus()))
		}
	}
}

func (s *Server) systemStatus() websocket.SystemStatusEvent {
	annotator := s.pipeline.Annotator()
	status := websocket.SystemStatusEvent{
		Status:        "healthy",
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		TotalRequests: s.requests.Load(),
		ActiveRules:   annotator.Rules().Len(),
		Annotator:     annotator.Stats(),
	}
	if s.wsHub != nil {
		status.ConnectedClients = s.wsHub.ClientCount()
	}
	return status
}

func rulesEvent(rules *ner.RuleTable) websocket.RulesReloadedEvent {
	return websocket.RulesReloadedEvent{
		Rules:       rules.Len(),
		Labels:      rules.Labels(),
		Fingerprint: rules.Fingerprint(),
		IgnoreCase:  rules.Options().IgnoreCase,
	}
}
