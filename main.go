package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/analyzer"
	"github.com/urizennnn/gh-prospector/checkpoint"
	"github.com/urizennnn/gh-prospector/config"
	"github.com/urizennnn/gh-prospector/gateway"
	"github.com/urizennnn/gh-prospector/planner"
	"github.com/urizennnn/gh-prospector/report"
	"github.com/urizennnn/gh-prospector/scanner"
	"github.com/urizennnn/gh-prospector/tokenpool"
)

func main() {
	cfg, err := config.NewLoader("APP").Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targets, err := config.LoadTargets(cfg.ReposConfig)
	if err != nil {
		slog.Error("targets error", "error", err)
		os.Exit(1)
	}

	pool, err := buildPool(cfg)
	if err != nil {
		slog.Error("credential pool error", "error", err)
		os.Exit(1)
	}

	gw, err := gateway.New(pool, gateway.Options{
		PerPage:          cfg.PerPage,
		MaxRetries:       cfg.MaxRetries,
		RequestsPerMin:   cfg.GithubRateLimit,
		MaxRateLimitWait: cfg.MaxRateLimitWait,
		UserCacheSize:    cfg.UserCacheSize,
		UserCacheTTL:     cfg.UserCacheTTL,
	})
	if err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}

	store, err := buildStore(cfg)
	if err != nil {
		slog.Error("checkpoint store error", "error", err)
		os.Exit(1)
	}

	plan := planner.New(scanner.NewRunID(time.Now()), targets, planner.WithPRAnalysis(cfg.AnalyzePRs))
	agg := aggregator.New()
	runID := resumeOrStart(ctx, cfg, store, plan, agg)

	an := analyzer.New(gw, analyzer.ForkFilters{
		MinStars:           cfg.ForkMinStars,
		MaxAge:             time.Duration(cfg.ForkMaxAgeDays) * 24 * time.Hour,
		MinAheadBy:         cfg.ForkMinAheadBy,
		CompareConcurrency: cfg.CompareWorkers,
	}, cfg.PRScanDepth, slog.Default())

	sc := scanner.New(runID, plan, an, agg, store, cfg.CheckpointInterval, slog.Default())
	sum := sc.Run(ctx)

	if err := writeSummary(cfg.RunsDir, sum); err != nil {
		slog.Error("summary write failed", "error", err)
	}
	slog.Info("scan done",
		"status", sum.Status,
		"profiles", len(sum.Snapshot.Profiles),
		"completed", len(sum.CompletedRepos),
		"partial", len(sum.PartialRepos),
		"skipped", len(sum.SkippedRepos))
	if sum.Status == report.StatusFailed {
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildPool(cfg config.Config) (*tokenpool.Pool, error) {
	var creds []*tokenpool.Credential
	for _, tok := range cfg.Tokens() {
		c, err := tokenpool.NewPAT(tok)
		if err != nil {
			slog.Warn("skipping credential", "error", err)
			continue
		}
		creds = append(creds, c)
	}
	if cfg.HasAppCredential() {
		c, err := tokenpool.NewAppInstallation(cfg.GithubAppClientID, []byte(cfg.GithubAppPrivateKey), cfg.GithubAppInstallationID)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return tokenpool.New(creds...)
}

func buildStore(cfg config.Config) (checkpoint.Store, error) {
	if cfg.RedisURL != "" {
		rdb, err := checkpoint.ConnectURL(cfg.RedisURL, cfg.RedisConnTimeout)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedisStore(rdb, 0), nil
	}
	return checkpoint.NewFileStore(cfg.RunsDir)
}

// resumeOrStart primes planner and aggregator from a checkpoint when
// resuming. With FORCE_REANALYZE only the aggregate is restored, so every
// repository is re-scanned and dedup absorbs repeats.
func resumeOrStart(ctx context.Context, cfg config.Config, store checkpoint.Store, plan *planner.Planner, agg *aggregator.Aggregator) string {
	if cfg.Resume == "" {
		return plan.Cursor().RunID
	}
	if cfg.ForceReanalyze {
		cp, err := store.Load(ctx, cfg.Resume)
		if err != nil {
			slog.Error("resume failed", "ref", cfg.Resume, "error", err)
			os.Exit(1)
		}
		if err := agg.Restore(cp.Snapshot); err != nil {
			slog.Error("resume failed", "ref", cfg.Resume, "error", err)
			os.Exit(1)
		}
		plan.AdoptRunID(cp.RunID)
		slog.Info("force reanalysis: restored aggregate only", "checkpoint", cp.ID)
		return cp.RunID
	}
	runID, err := scanner.Resume(ctx, store, cfg.Resume, plan, agg)
	if err != nil {
		if errors.Is(err, planner.ErrConfigMismatch) {
			slog.Error("repository list changed since checkpoint; refusing to resume", "error", err)
		} else {
			slog.Error("resume failed", "ref", cfg.Resume, "error", err)
		}
		os.Exit(1)
	}
	slog.Info("resuming run", "run_id", runID)
	return runID
}

func writeSummary(runsDir string, sum *report.Summary) error {
	dir := filepath.Join(runsDir, sum.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "summary.json"), data, 0o644)
}
