package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calingest/internal/cache"
	"calingest/internal/config"
	"calingest/internal/expand"
	"calingest/internal/ics"
	appLog "calingest/internal/log"
	"calingest/internal/model"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	cacheDir   string
	filePath   string
	sourceID   string
	once       bool
	dump       bool
	debug      bool
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("calingest starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"expansion_days", conf.ExpansionDays,
		"max_occurrences_per_rule", conf.MaxOccurrencesPerRule,
		"rrule_worker_concurrency", conf.RRuleWorkerConcurrency,
		"sources", len(conf.ICS),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	parser := ics.NewParser(parserOptions(conf))

	// Local file mode: parse once and exit.
	if flags.filePath != "" {
		body, err := os.ReadFile(flags.filePath)
		if err != nil {
			appLog.Error("failed to read input file", err, "path", flags.filePath)
			os.Exit(1)
		}
		res := parser.Parse(ctx, body, flags.sourceID)
		reportResult(res, flags.dump)
		if !res.Success {
			os.Exit(1)
		}
		return
	}

	fetcher := ics.NewFetcher(flags.cacheDir)
	rcache, err := cache.New(conf.CacheEntries, time.Duration(conf.CacheTTLMinutes)*time.Minute)
	if err != nil {
		appLog.Error("failed to build result cache", err)
		os.Exit(1)
	}

	refresh := func() {
		refreshAll(ctx, conf, fetcher, parser, rcache, flags.dump)
	}
	refresh()

	if flags.once {
		appLog.Info("single-shot run finished")
		return
	}

	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, refresh); err != nil {
		appLog.Error("invalid refresh cron expression", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()

	<-ctx.Done()

	// Let an in-flight refresh finish before exiting.
	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		appLog.Warn("refresh job did not finish before shutdown deadline")
	}
	appLog.Info("calingest exiting")
}

// refreshAll fetches every configured source and parses whatever bodies it
// obtained. Parse results are cached by document hash so an unchanged feed
// is not re-expanded.
func refreshAll(ctx context.Context, conf *config.Config, fetcher *ics.Fetcher, parser *ics.Parser, rcache *cache.ResultCache, dump bool) {
	sources := make([]ics.Source, 0, len(conf.ICS))
	for _, s := range conf.ICS {
		sources = append(sources, ics.Source{ID: s.ID, URL: s.URL})
	}

	results, errs := fetcher.FetchAll(ctx, sources)
	if len(errs) > 0 {
		appLog.Warn("some sources failed to fetch", "failed", len(errs), "fetched", len(results))
	}

	for _, fr := range results {
		key := cache.Key(fr.Source.URL, fr.Body)
		if res, ok := rcache.Get(key); ok {
			appLog.Debug("parse result cache hit", "id", fr.Source.ID)
			reportResult(res, dump)
			continue
		}

		res := parser.Parse(ctx, fr.Body, fr.Source.URL)
		if res.Success {
			rcache.Set(key, res)
		}
		reportResult(res, dump)
	}
}

func reportResult(res model.ParseResult, dump bool) {
	if !res.Success {
		appLog.Error("parse failed", errors.New(res.ErrorMessage), "source", res.SourceURL)
		return
	}
	for _, w := range res.Warnings {
		appLog.Warn("parse warning", "source", res.SourceURL, "warning", w.String())
	}
	if dump {
		records := make([]map[string]string, 0, len(res.Events))
		for _, ev := range res.Events {
			records = append(records, ev.Record())
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			appLog.Error("failed to dump events", err)
		}
	}
}

// parserOptions maps file configuration onto parser options.
func parserOptions(conf *config.Config) ics.Options {
	return ics.Options{
		Timezone:           conf.Timezone,
		MaxDocumentBytes:   conf.MaxDocumentBytes,
		StreamingThreshold: conf.StreamingThresholdBytes,
		MaxStoredEvents:    conf.MaxStoredEvents,
		SupersetLimit:      conf.RawComponentsSupersetLimit,
		Expand: &expand.Config{
			Concurrency:        conf.RRuleWorkerConcurrency,
			WindowDays:         conf.ExpansionDays,
			MaxOccurrences:     conf.MaxOccurrencesPerRule,
			TimeBudget:         time.Duration(conf.ExpansionTimeBudgetMS) * time.Millisecond,
			YieldEvery:         conf.ExpansionYieldFrequency,
			ExclusionTolerance: time.Duration(conf.ExclusionToleranceSeconds) * time.Second,
		},
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calingest/config.yaml", "Path to config file")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "Directory for the on-disk fetch cache")
	flag.StringVar(&cfg.filePath, "file", "", "Parse a local ICS file and exit")
	flag.StringVar(&cfg.sourceID, "source", "local", "Source identifier used with -file")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch+parse cycle and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "Dump parsed events as JSON to stdout")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
