package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/cache"
	"github.com/raaihank/regexner/internal/config"
	"github.com/raaihank/regexner/internal/etl"
	"github.com/raaihank/regexner/internal/logger"
	"github.com/raaihank/regexner/internal/mapping"
	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input corpus file (CSV, Parquet, or JSON lines)")
		outputFile = flag.String("output", "", "Output file for annotated corpora, format taken from the extension")
		batchSize  = flag.Int("batch-size", 0, "Corpora per batch (0 uses the configured value)")
		workers    = flag.Int("workers", 0, "Corpora annotated concurrently (0 uses the configured value)")
		skipCache  = flag.Bool("skip-cache", false, "Do not use the Redis annotation cache")
		skipStore  = flag.Bool("skip-store", false, "Do not store mentions in the database")
		dryRun     = flag.Bool("dry-run", false, "Annotate only, write nothing")
		clearCache = flag.Bool("clear-cache", false, "Remove all cached annotations and exit")
		showStats  = flag.Bool("stats", false, "Show mention store and cache statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*clearCache && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -input corpus.jsonl -output annotated.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -input tokens.parquet -workers 8 -batch-size 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -clear-cache\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting regexner ETL pipeline",
		zap.String("version", "0.1.0"),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	if *skipCache && !*clearCache && !*showStats {
		cfg.Cache.Enabled = false
	}
	if *skipStore || *dryRun {
		cfg.Store.Enabled = false
	}

	services, err := initializeServices(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.cleanup()

	switch {
	case *showStats:
		if err := showStatistics(ctx, services); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
	case *clearCache:
		if services.cache == nil {
			log.Fatal("Annotation cache is not enabled")
		}
		if err := services.cache.Clear(ctx); err != nil {
			log.Fatal("Failed to clear cache", zap.Error(err))
		}
		log.Info("Annotation cache cleared")
	default:
		etlConfig := cfg.ETL
		if *batchSize > 0 {
			etlConfig.BatchSize = *batchSize
		}
		if *workers > 0 {
			etlConfig.WorkerCount = *workers
		}
		etlConfig.DryRun = etlConfig.DryRun || *dryRun

		if err := processCorpusFile(ctx, cfg, services, &etlConfig, *inputFile, *outputFile, log); err != nil {
			log.Fatal("ETL processing failed", zap.Error(err))
		}
	}

	log.Info("ETL pipeline completed successfully")
}

// services holds all initialized services
type services struct {
	store *store.Store
	cache *cache.AnnotationCache
}

func (s *services) cleanup() {
	if s.store != nil {
		s.store.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
}

// initializeServices opens the optional mention store and annotation cache
func initializeServices(cfg *config.Config, log *logger.Logger) (*services, error) {
	services := &services{}

	if cfg.Store.Enabled {
		log.Info("Initializing mention store...")
		s, err := store.NewStore(&cfg.Store, log.WithComponent("store").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mention store: %w", err)
		}
		services.store = s
	}

	if cfg.Cache.Enabled {
		log.Info("Initializing annotation cache...")
		c, err := cache.NewAnnotationCache(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			services.cleanup()
			return nil, fmt.Errorf("failed to initialize annotation cache: %w", err)
		}
		services.cache = c
	}

	return services, nil
}

// processCorpusFile annotates every corpus in inputFile
func processCorpusFile(ctx context.Context, cfg *config.Config, services *services, etlConfig *etl.Config, inputFile, outputFile string, log *logger.Logger) error {
	log.Info("Processing corpus file",
		zap.String("input", inputFile),
		zap.String("output", outputFile),
		zap.Bool("dry_run", etlConfig.DryRun))

	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	rules, err := mapping.Load(cfg.Mapping)
	if err != nil {
		return fmt.Errorf("failed to load mapping: %w", err)
	}

	annotator, err := ner.NewAnnotator(rules, cfg.Annotator, log.WithComponent("annotator").Logger)
	if err != nil {
		return fmt.Errorf("failed to create annotator: %w", err)
	}

	var sentenceCache etl.SentenceCache
	if services.cache != nil {
		sentenceCache = services.cache
	}
	var mentionStore etl.MentionStore
	if services.store != nil {
		mentionStore = services.store
	}

	pipeline, err := etl.NewPipeline(annotator, sentenceCache, mentionStore, etlConfig, log.WithComponent("pipeline").Logger)
	if err != nil {
		return err
	}

	result, err := pipeline.ProcessFile(ctx, inputFile, outputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	perSecond := 0.0
	if result.Duration > 0 {
		perSecond = float64(result.TotalCorpora) / result.Duration.Seconds()
	}

	log.Info("Corpus processing completed",
		zap.String("run_id", result.RunID),
		zap.String("input", inputFile),
		zap.Int("rules", rules.Len()),
		zap.Int64("total_corpora", result.TotalCorpora),
		zap.Int64("total_sentences", result.TotalSentences),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("mentions", result.Mentions),
		zap.Int64("stored", result.Stored),
		zap.Int64("duplicates", result.Duplicates),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("annotate_time", result.AnnotateTime),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Duration("cache_time", result.CacheTime),
		zap.Float64("corpora_per_second", perSecond))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}

	return nil
}

// showStatistics prints mention store and cache statistics
func showStatistics(ctx context.Context, services *services) error {
	if services.store == nil && services.cache == nil {
		return fmt.Errorf("neither the mention store nor the cache is enabled")
	}

	if services.store != nil {
		stats, err := services.store.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get database stats: %w", err)
		}

		fmt.Printf("\n=== regexner Mention Store Statistics ===\n")
		fmt.Printf("Total Mentions:     %d\n", stats.TotalMentions)
		fmt.Printf("Corpora:            %d\n", stats.Corpora)

		labels := make([]string, 0, len(stats.ByLabel))
		for label := range stats.ByLabel {
			labels = append(labels, label)
		}
		sort.Slice(labels, func(i, j int) bool {
			return stats.ByLabel[labels[i]] > stats.ByLabel[labels[j]]
		})
		for _, label := range labels {
			share := 0.0
			if stats.TotalMentions > 0 {
				share = float64(stats.ByLabel[label]) / float64(stats.TotalMentions) * 100
			}
			fmt.Printf("  %-20s %d (%.1f%%)\n", label, stats.ByLabel[label], share)
		}
	}

	if services.cache != nil {
		cacheStats, err := services.cache.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get cache stats: %w", err)
		}
		fmt.Printf("\n=== Cache Statistics ===\n")
		fmt.Printf("Cached Sentences:   %d\n", cacheStats.TotalKeys)
		fmt.Printf("Memory Usage:       %.2f MB\n", float64(cacheStats.MemoryUsage)/1024/1024)
	}

	return nil
}
