package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/cache"
	"github.com/raaihank/regexner/internal/config"
	"github.com/raaihank/regexner/internal/etl"
	"github.com/raaihank/regexner/internal/logger"
	"github.com/raaihank/regexner/internal/mapping"
	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/server"
	"github.com/raaihank/regexner/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthURL   = flag.String("health-url", "http://localhost:8080/health", "URL used by -health-check")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("regexner %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck(*healthURL)
		return
	}

	configChanges := make(chan *config.Config, 1)
	cfg, err := config.Watch(*configPath, func(c *config.Config) {
		select {
		case configChanges <- c:
		default:
		}
	}, func(err error) {
		fmt.Fprintf(os.Stderr, "Ignoring invalid configuration change: %v\n", err)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting regexner",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("mapping", cfg.Mapping.Paths),
	)

	rules, err := mapping.Load(cfg.Mapping)
	if err != nil {
		log.Fatal("Failed to load mapping", zap.Error(err))
	}

	annotator, err := ner.NewAnnotator(rules, cfg.Annotator, log.WithComponent("annotator").Logger)
	if err != nil {
		log.Fatal("Failed to create annotator", zap.Error(err))
	}

	var sentenceCache etl.SentenceCache
	if cfg.Cache.Enabled {
		c, err := cache.NewAnnotationCache(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Annotation cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer c.Close()
			sentenceCache = c
		}
	}

	var mentionStore etl.MentionStore
	var mentionLookup server.MentionLookup
	if cfg.Store.Enabled {
		s, err := store.NewStore(&cfg.Store, log.WithComponent("store").Logger)
		if err != nil {
			log.Fatal("Failed to open mention store", zap.Error(err))
		}
		defer s.Close()
		mentionStore = s
		mentionLookup = s
	}

	pipeline, err := etl.NewPipeline(annotator, sentenceCache, mentionStore, &cfg.ETL, log.WithComponent("pipeline").Logger)
	if err != nil {
		log.Fatal("Failed to create pipeline", zap.Error(err))
	}

	srv, err := server.New(cfg, log, pipeline, mentionLookup)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloader := &ruleReloader{server: srv, logger: log.WithComponent("mapping").Logger, annotator: cfg.Annotator}
	if err := reloader.watch(ctx, cfg.Mapping); err != nil {
		log.Warn("Mapping hot reload disabled", zap.Error(err))
	}
	go reloader.follow(ctx, configChanges)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// ruleReloader keeps a mapping watcher running for the configured mapping
// files and restarts it when the configuration names different ones
type ruleReloader struct {
	server    *server.Server
	logger    *zap.Logger
	annotator ner.Config

	mu      sync.Mutex
	current mapping.Config
	stop    context.CancelFunc
}

func (r *ruleReloader) watch(ctx context.Context, cfg mapping.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.current = cfg

	w, err := mapping.NewWatcher(cfg, r.logger, r.apply)
	if err != nil {
		return err
	}

	watchCtx, stop := context.WithCancel(ctx)
	r.stop = stop
	go func() {
		defer w.Close()
		w.Run(watchCtx)
	}()
	return nil
}

func (r *ruleReloader) apply(rules *ner.RuleTable) {
	if err := r.server.ReloadRules(rules); err != nil {
		r.logger.Error("Failed to apply reloaded rules", zap.Error(err))
	}
}

// follow applies changes to the annotator and mapping sections of the configuration
func (r *ruleReloader) follow(ctx context.Context, changes <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			if cfg.Annotator != r.annotator {
				if err := r.server.ApplyAnnotatorConfig(cfg.Annotator); err != nil {
					r.logger.Error("Failed to apply annotator settings", zap.Error(err))
				} else {
					r.annotator = cfg.Annotator
				}
			}

			r.mu.Lock()
			same := reflect.DeepEqual(r.current, cfg.Mapping)
			r.mu.Unlock()
			if same {
				r.logger.Info("Configuration changed, mapping unchanged")
				continue
			}

			rules, err := mapping.Load(cfg.Mapping)
			if err != nil {
				r.logger.Error("Failed to load new mapping, keeping previous rules", zap.Error(err))
				continue
			}
			r.apply(rules)
			if err := r.watch(ctx, cfg.Mapping); err != nil {
				r.logger.Warn("Failed to watch new mapping files", zap.Error(err))
			}
		}
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(url string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
