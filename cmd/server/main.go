/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the weekly report engine. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load environment configuration
  2. Open the SQLite store, validate the reference tables
  3. Wire the pipeline (fetcher, reconciler, aggregator, notifier)
  4. serve mode: start the weekly schedule and the HTTP API
     run mode:   execute one manual run and exit

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: report.db)
           Use ":memory:" for an in-memory database
  -mode    serve | run (default: serve)
  -notify  run mode only: deliver the summary to the chat webhook

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the schedule loop
  2. Stop accepting new connections, drain active requests (30s timeout)
  3. Close the database connection
  4. Exit

EXAMPLES:
  # Serve the API with the weekly schedule armed
  ./server -db=./data/report.db

  # One manual run without chat delivery
  ./server -mode=run -notify=false

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - pipeline/runner.go: The run lifecycle
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/printworks/report-engine/api"
	"github.com/printworks/report-engine/config"
	"github.com/printworks/report-engine/ingest"
	"github.com/printworks/report-engine/notify"
	"github.com/printworks/report-engine/pipeline"
	"github.com/printworks/report-engine/report"
	"github.com/printworks/report-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "report.db", "SQLite database path")
	mode := flag.String("mode", "serve", "serve | run")
	notifyFlag := flag.Bool("notify", true, "run mode: deliver the summary to the chat webhook")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration failed")
	}

	store, err := sqlite.New(*dbPath, cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.ValidateReferenceTables(ctx); err != nil {
		log.Fatal().Err(err).Msg("reference table validation failed")
	}

	runner := buildRunner(cfg, store, log)

	switch *mode {
	case "run":
		opts := pipeline.DefaultOptions()
		opts.Notify = *notifyFlag
		if _, err := runner.Run(ctx, report.RunManual, opts); err != nil {
			log.Fatal().Err(err).Msg("run failed")
		}
		return
	case "serve":
		serve(cfg, store, runner, *port, log)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

func buildRunner(cfg *config.Config, store *sqlite.Store, log zerolog.Logger) *pipeline.Runner {
	httpClient := &http.Client{Timeout: 60 * time.Second}

	shops := make([]ingest.Shop, 0, len(cfg.Shops))
	for _, sc := range cfg.Shops {
		shops = append(shops, &ingest.HTTPShop{
			ShopName: sc.Name,
			BaseURL:  sc.BaseURL,
			Token:    sc.Token,
			Service:  sc.Service,
			Client:   httpClient,
			Loc:      cfg.Timezone,
		})
	}

	var notifier pipeline.Notifier = notify.Discard{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL, log.With().Str("component", "notify").Logger())
	} else {
		log.Warn().Msg("WEBHOOK_URL not set; notifications disabled")
	}

	return &pipeline.Runner{
		Fetcher:    ingest.NewFetcher(shops, log.With().Str("component", "fetch").Logger()),
		Merger:     ingest.NewReconciler(store, log.With().Str("component", "merge").Logger()),
		Aggregator: report.NewAggregator(store, store, cfg.Timezone, log.With().Str("component", "aggregate").Logger()),
		Table:      store,
		Stats:      store,
		Status:     store,
		History:    store,
		Summaries:  store,
		Notify:     notifier,
		Loc:        cfg.Timezone,
		Log:        log.With().Str("component", "runner").Logger(),
	}
}

func serve(cfg *config.Config, store *sqlite.Store, runner *pipeline.Runner, port int, log zerolog.Logger) {
	trigger, err := pipeline.NewTrigger(runner, cfg.Schedule, cfg.Timezone,
		log.With().Str("component", "trigger").Logger())
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Schedule).Msg("bad schedule expression")
	}
	trigger.Start()

	handler := &api.Handler{
		Runner:    runner,
		Status:    store,
		History:   store,
		Summaries: store,
		APIKeys:   cfg.APIKeys,
		Loc:       cfg.Timezone,
		Log:       log.With().Str("component", "api").Logger(),
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Str("schedule", cfg.Schedule).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	trigger.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}
