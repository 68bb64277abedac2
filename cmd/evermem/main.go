// Command evermem runs the memory service: the embedded primary store,
// the optional cloud or Postgres secondary with background sync, the
// consolidation scheduler, the integrity monitor, and the snapshot
// service.
//
// Startup sequence:
//  1. Load configuration from EVERMEM_ environment variables, overlaid
//     by -config when given.
//  2. Build the embedding provider and open the primary database.
//  3. Attach the secondary (cloud or Postgres) when one is enabled.
//  4. Start the hybrid engine: sync drain loop, delayed initial
//     catch-up sync, optional drift loop.
//  5. Start the consolidation scheduler, integrity monitor, tombstone
//     purge loop, and backup service.
//  6. Block until SIGINT/SIGTERM, then shut everything down in reverse.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/evermem/evermem/internal/backup"
	"github.com/evermem/evermem/internal/config"
	"github.com/evermem/evermem/internal/consolidation"
	"github.com/evermem/evermem/internal/embedding"
	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/internal/storage/cloud"
	"github.com/evermem/evermem/internal/storage/hybrid"
	"github.com/evermem/evermem/internal/storage/postgres"
	"github.com/evermem/evermem/internal/storage/sqlite"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	forceSync   = flag.Bool("force-sync", false, "Reconcile the secondary with the primary and exit")
	driftCheck  = flag.Bool("drift-check", false, "Run a dry-run drift report and exit")
	driftPeriod = flag.String("drift-period", "", "Bound the drift sample to a time period (e.g. \"last week\")")
	consolidate = flag.String("consolidate", "", "Run one consolidation pass (daily|weekly|monthly|quarterly|yearly) and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("evermem: %v", err)
	}
	setupLogging(cfg.Log)

	if err := os.MkdirAll(cfg.Storage.BasePath, 0o700); err != nil {
		log.Fatalf("evermem: create data directory %q: %v", cfg.Storage.BasePath, err)
	}

	provider, err := buildProvider(cfg.Embedding)
	if err != nil {
		log.Fatalf("evermem: %v", err)
	}

	primary, err := sqlite.New(sqlite.Config{
		Path:             cfg.Storage.DBPath(),
		Provider:         provider,
		MaxContentLength: cfg.Storage.MaxContentLength,
		AutoSplit:        cfg.Storage.AutoSplit,
		ChunkOverlap:     cfg.Storage.ChunkOverlap,
		KeywordWeight:    cfg.Storage.HybridKeywordWeight,
		SemanticWeight:   cfg.Storage.HybridSemanticWeight,
	})
	if err != nil {
		log.Fatalf("evermem: open primary database: %v", err)
	}

	secondary, err := buildSecondary(cfg, provider)
	if err != nil {
		log.Fatalf("evermem: %v", err)
	}

	engine, err := hybrid.New(primary, secondary, hybrid.Options{
		QueueSize:           cfg.Sync.QueueSize,
		BatchSize:           cfg.Sync.BatchSize,
		DrainInterval:       cfg.Sync.DrainInterval,
		SyncInterval:        cfg.Sync.SyncInterval,
		MaxRetries:          cfg.Sync.MaxRetries,
		InitialSyncDelay:    cfg.Sync.InitialSyncDelay,
		InitialSyncPageSize: cfg.Sync.InitialSyncPageSize,
		MaxEmptyBatches:     cfg.Sync.MaxEmptyBatches,
		MinCheckCount:       cfg.Sync.MinCheckCount,
		DriftEnabled:        cfg.Sync.DriftEnabled,
		DriftInterval:       cfg.Sync.DriftInterval,
		DriftBatchSize:      cfg.Sync.DriftBatchSize,
		WarningThreshold:    cfg.Cloud.WarningThreshold,
		CriticalThreshold:   cfg.Cloud.CriticalThreshold,
	})
	if err != nil {
		log.Fatalf("evermem: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Initialize(ctx); err != nil {
		log.Fatalf("evermem: initialize storage: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Printf("evermem: close storage: %v", err)
		}
	}()

	consolidator, err := consolidation.New(consolidation.Deps{
		Store:        engine,
		Associations: primary,
		Access:       primary,
		Vectors:      primary,
		Provider:     provider,
		Sync:         engine,
	}, consolidation.Options{
		AssociationStorage:   cfg.Consolidation.AssociationStorage,
		Incremental:          cfg.Consolidation.Incremental,
		BatchSize:            cfg.Consolidation.BatchSize,
		MinSimilarity:        cfg.Consolidation.MinSimilarity,
		MaxSimilarity:        cfg.Consolidation.MaxSimilarity,
		PairSampleCap:        cfg.Consolidation.PairSampleCap,
		Clustering:           cfg.Consolidation.Clustering,
		MinClusterSize:       cfg.Consolidation.MinClusterSize,
		MaxSummaryLength:     cfg.Consolidation.MaxSummaryLength,
		ForgettingEnabled:    cfg.Consolidation.ForgettingEnabled,
		RelevanceThreshold:   cfg.Consolidation.RelevanceThreshold,
		AccessThresholdDays:  cfg.Consolidation.AccessThresholdDays,
		ArchivePath:          cfg.Consolidation.ArchivePath,
		QualityBoostEnabled:  cfg.Consolidation.QualityBoostEnabled,
		QualityBoostFactor:   cfg.Consolidation.QualityBoostFactor,
		QualityBoostMinConns: cfg.Consolidation.QualityBoostMinConns,
	})
	if err != nil {
		log.Fatalf("evermem: %v", err)
	}

	// Operator one-shots run against the initialized stores and exit.
	switch {
	case *forceSync:
		runForceSync(ctx, engine)
		return
	case *driftCheck:
		runDriftCheck(ctx, engine, *driftPeriod)
		return
	case *consolidate != "":
		runConsolidation(ctx, consolidator, consolidation.Horizon(*consolidate))
		return
	}

	engine.Start(ctx)

	scheduler := consolidation.NewScheduler(consolidator)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	integrity := sqlite.NewIntegrityMonitor(primary, cfg.Storage.IntegrityInterval)
	integrity.Start(ctx)
	defer integrity.Stop()

	go purgeLoop(ctx, primary, cfg.Storage.TombstoneRetentionDays)

	var snapshots *backup.Service
	if cfg.Backup.Enabled {
		snapshots, err = backup.NewService(backup.Config{
			DBPath:   cfg.Storage.DBPath(),
			Dir:      cfg.Backup.Path,
			Interval: cfg.Backup.Interval,
			Verify:   cfg.Backup.Verify,
			Policy: backup.Policy{
				Hourly:  cfg.Backup.RetentionHourly,
				Daily:   cfg.Backup.RetentionDaily,
				Weekly:  cfg.Backup.RetentionWeekly,
				Monthly: cfg.Backup.RetentionMonthly,
			},
		})
		if err != nil {
			log.Fatalf("evermem: %v", err)
		}
		go func() {
			if err := snapshots.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("evermem: backup service: %v", err)
			}
		}()
	}

	log.Printf("evermem: service started, data=%s secondary=%s",
		cfg.Storage.BasePath, secondaryName(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("evermem: shutdown signal received")

	if snapshots != nil {
		snapshots.Stop()
	}
	cancel()
}

// setupLogging routes the standard logger through lumberjack when a log
// file is configured, otherwise to stderr.
func setupLogging(cfg config.LogConfig) {
	log.SetPrefix("evermem: ")
	log.SetFlags(log.LstdFlags)
	if cfg.Path == "" {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

func buildProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	var provider embedding.Provider
	switch cfg.Provider {
	case "ollama":
		provider = embedding.NewOllamaProvider(embedding.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "openai":
		provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			RateLimit: rate.Limit(10),
		})
	case "static":
		provider = embedding.NewStaticProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.CacheSize > 0 {
		cached, err := embedding.NewCachingProvider(provider, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		provider = cached
	}
	return provider, nil
}

// buildSecondary returns nil when no secondary is enabled; the hybrid
// engine then runs as a pass-through.
func buildSecondary(cfg *config.Config, provider embedding.Provider) (storage.Backend, error) {
	switch {
	case cfg.Cloud.Enabled:
		return cloud.New(cloud.Config{
			BaseURL:               cfg.Cloud.BaseURL,
			APIToken:              cfg.Cloud.APIToken,
			AccountID:             cfg.Cloud.AccountID,
			DatabaseID:            cfg.Cloud.DatabaseID,
			VectorIndex:           cfg.Cloud.VectorIndex,
			Bucket:                cfg.Cloud.Bucket,
			Provider:              provider,
			LargeContentThreshold: cfg.Cloud.LargeContentThreshold,
			MaxRetries:            cfg.Cloud.MaxRetries,
			BaseDelay:             cfg.Cloud.BaseDelay,
			MaxVectors:            cfg.Cloud.MaxVectors,
			MaxMetadataBytes:      cfg.Cloud.MaxMetadataBytes,
		})
	case cfg.Postgres.Enabled:
		return postgres.New(cfg.Postgres.DSN, provider)
	default:
		return nil, nil
	}
}

func secondaryName(cfg *config.Config) string {
	switch {
	case cfg.Cloud.Enabled:
		return "cloud"
	case cfg.Postgres.Enabled:
		return "postgres"
	default:
		return "none"
	}
}

// purgeLoop removes aged tombstones once a day.
func purgeLoop(ctx context.Context, store *sqlite.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeDeleted(ctx, retentionDays)
			if err != nil {
				log.Printf("evermem: tombstone purge: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("evermem: purged %d tombstones older than %d days", n, retentionDays)
			}
		}
	}
}

func runForceSync(ctx context.Context, engine *hybrid.Engine) {
	report, err := engine.ForceSync(ctx)
	if err != nil {
		log.Fatalf("evermem: force sync: %v", err)
	}
	fmt.Printf("Checked: %d\nSynced: %d\nFailed: %d\nDuration: %v\n",
		report.Checked, report.Synced, report.Failed, report.Duration.Round(time.Millisecond))
}

func runDriftCheck(ctx context.Context, engine *hybrid.Engine, period string) {
	report, err := engine.DetectDrift(ctx, true, period)
	if err != nil {
		log.Fatalf("evermem: drift check: %v", err)
	}
	if report.Period != "" {
		fmt.Printf("Period: %s\n", report.Period)
	}
	fmt.Printf("Sampled: %d\nDrifted: %d\n", report.Sampled, report.Drifted)
	for _, entry := range report.Entries {
		fmt.Printf("  %s: %v\n", entry.ContentHash, entry.Fields)
	}
}

func runConsolidation(ctx context.Context, engine *consolidation.Engine, horizon consolidation.Horizon) {
	report, err := engine.Run(ctx, horizon)
	if err != nil {
		log.Fatalf("evermem: consolidation: %v", err)
	}
	fmt.Printf("Horizon: %s\nCandidates: %d\nDuration: %v\n",
		report.Horizon, report.Candidates, report.Duration.Round(time.Millisecond))
	for _, phase := range report.Phases {
		fmt.Printf("  %s: processed=%d succeeded=%v", phase.Phase, phase.Processed, phase.Succeeded)
		for k, v := range phase.Details {
			fmt.Printf(" %s=%d", k, v)
		}
		fmt.Println()
	}
}
