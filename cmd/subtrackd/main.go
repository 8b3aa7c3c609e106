package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/subtrackd/subtrackd/internal/batch"
	"github.com/subtrackd/subtrackd/internal/config"
	"github.com/subtrackd/subtrackd/internal/integrity"
	"github.com/subtrackd/subtrackd/internal/inventory"
	"github.com/subtrackd/subtrackd/internal/media"
	"github.com/subtrackd/subtrackd/internal/persistence"
	"github.com/subtrackd/subtrackd/internal/request"
	"github.com/subtrackd/subtrackd/internal/runner"
	"github.com/subtrackd/subtrackd/internal/scheduler"
	"github.com/subtrackd/subtrackd/internal/state"
	"github.com/subtrackd/subtrackd/internal/translator"
	"github.com/subtrackd/subtrackd/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("load configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatal("%v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	settingsPath := filepath.Join(filepath.Dir(cfg.DBPath), "settings.json")
	settings, err := config.NewRuntimeSettingsStore(settingsPath, config.RuntimeSettings{
		SourceLanguages: cfg.SourceLanguages,
		TargetLanguages: cfg.TargetLanguages,
	}, store)
	if err != nil {
		return err
	}
	languages := settings.Current()

	// requests stranded in_progress by a previous process are dead
	if n, err := store.FailAllInProgress(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn("startup recovery: %d orphaned requests marked failed", n)
	}

	backend, err := translator.NewLLMTranslator(translator.LLMConfig{
		Name:        cfg.ServiceType,
		APIURL:      cfg.LLM.APIURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	prober := media.NewProber()
	if !prober.IsAvailable() {
		log.Warn("ffprobe/ffmpeg not found, embedded subtitle fallback disabled")
	}

	requests := request.NewService(store)
	jobRunner := runner.New(store, requests, backend, prober, integrity.Checker{Enabled: cfg.IntegrityValidationEnabled}, runner.Config{
		UseBatch: cfg.UseBatchTranslation,
		Batch: batch.Options{
			StripFormatting:     cfg.StripSubtitleFormatting,
			MaxBatchSize:        cfg.MaxBatchSize,
			RetryMode:           batch.RetryMode(cfg.BatchRetryMode),
			MaxSplitAttempts:    cfg.MaxBatchSplitAttempts,
			RepairContextRadius: cfg.RepairContextRadius,
			RepairMaxRetries:    cfg.RepairMaxRetries,
			ContextBefore:       cfg.ContextBefore,
			ContextAfter:        cfg.ContextAfter,
		},
		MaxRetries:           cfg.MaxRetries,
		RetryDelay:           cfg.RetryDelay,
		RetryDelayMultiplier: cfg.RetryDelayMultiplier,
		UseTagging:           cfg.UseSubtitleTagging,
		Tag:                  cfg.SubtitleTag,
		SourceLanguages:      languages.SourceLanguages,
	})

	sched := scheduler.New(store, state.NewEngine(store), requests, jobRunner, prober, scheduler.Config{
		IndexSchedule:     cfg.IndexSchedule,
		TranslateSchedule: cfg.TranslateSchedule,
		MaxParallel:       cfg.MaxParallelTranslations,
		ExtractionMode:    cfg.SubtitleExtractionMode,
		SourceLanguages:   languages.SourceLanguages,
		TargetLanguages:   languages.TargetLanguages,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.InventoryURL != "" {
		provider, err := inventory.NewHTTPProvider(cfg.InventoryURL, cfg.InventoryAPIKey, 30*time.Second)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if _, err := inventory.NewSyncer(provider, store).Sync(gctx); err != nil {
				log.Error("inventory sync: %v", err)
			}
			return nil
		})
	}

	if err := sched.Start(gctx); err != nil {
		return err
	}

	// one full cycle immediately so a fresh install does not wait for
	// the first cron tick
	g.Go(func() error {
		sched.IndexPass(gctx)
		sched.TranslatePass(gctx)
		return nil
	})

	log.Info("subtrackd running, backend %s, db %s", cfg.ServiceType, cfg.DBPath)
	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()
	_ = g.Wait()
	return nil
}
