// Entry point for the schulwegcheck HTTP service: chi router, shield
// middleware stack, headless Chrome capture adapter, PDF export pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/stadtlab/schulwegcheck/capture"
	"github.com/stadtlab/schulwegcheck/config"
	"github.com/stadtlab/schulwegcheck/dbopen"
	"github.com/stadtlab/schulwegcheck/export"
	"github.com/stadtlab/schulwegcheck/mapview"
	"github.com/stadtlab/schulwegcheck/observability"
	"github.com/stadtlab/schulwegcheck/report"
	"github.com/stadtlab/schulwegcheck/shield"
)

// exportUserError is the single message shown to citizens when an export
// fails. Details stay in the logs; partially loaded tiles are by far the
// most common cause.
const exportUserError = "Der Export ist fehlgeschlagen. Möglicherweise konnten nicht alle Kartenkacheln geladen werden. Bitte versuchen Sie es erneut."

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()

	// Env overrides for container deployments.
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("BROWSER_REMOTE"); v != "" {
		cfg.Browser.Remote = v
	}
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		cfg.Export.OutputDir = v
	}
	if v := os.Getenv("EVENTS_DB"); v != "" {
		cfg.Events.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Logging.
	var lvl slog.Level
	switch cfg.Log.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Events DB: business events, rate-limit rules.
	eventsDB, err := dbopen.Open(cfg.Events.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("events db", "error", err)
		os.Exit(1)
	}
	defer eventsDB.Close()
	if err := observability.Init(eventsDB); err != nil {
		slog.Error("events schema", "error", err)
		os.Exit(1)
	}
	if err := shield.Init(eventsDB); err != nil {
		slog.Error("shield schema", "error", err)
		os.Exit(1)
	}
	seedRateLimits(eventsDB)
	events := observability.NewEventLogger(eventsDB)

	// Retention cleanup, once a day.
	go func() {
		tick := time.NewTicker(24 * time.Hour)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := observability.Cleanup(ctx, eventsDB,
					observability.RetentionConfig{EventLogsDays: cfg.Events.RetentionDays}); err != nil {
					slog.Warn("events cleanup", "error", err)
				}
			}
		}
	}()

	// Report store and map renderer.
	store := report.NewStore()
	renderer, err := mapview.NewRenderer(cfg.Map)
	if err != nil {
		slog.Error("map renderer", "error", err)
		os.Exit(1)
	}

	// Capture adapter. The capture tab loads our own /capture page.
	pageURL := cfg.Server.PublicURL
	if pageURL == "" {
		pageURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	adapter := capture.NewAdapter(capture.Config{
		PageURL:       pageURL + "/capture",
		Geometry:      capture.Geometry{Width: cfg.Capture.Width, Height: cfg.Capture.Height},
		SettleTimeout: cfg.Capture.SettleTimeout,
		Background:    cfg.Capture.Background,
		RemoteURL:     cfg.Browser.Remote,
		Logger:        logger,
	})
	if err := adapter.Start(ctx); err != nil {
		// The form still works without a browser; exports will fail until
		// Chrome is available.
		slog.Warn("browser start failed, exports unavailable", "error", err)
	}
	defer adapter.Close()

	exporter := export.New(export.Config{
		OutputDir:      cfg.Export.OutputDir,
		FilenamePrefix: cfg.Export.FilenamePrefix,
		Logger:         logger,
	}, adapter, store, export.WithEvents(events))

	// Router.
	r := chi.NewRouter()
	stack, limiter := shield.DefaultStack(eventsDB)
	for _, mw := range stack {
		r.Use(mw)
	}

	// Periodic rule reload (so operators can tune the rate_limits table at
	// runtime) and bucket GC.
	limiterDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(limiterDone)
	}()
	limiter.StartReloader(limiterDone)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := renderer.FormPage(w); err != nil {
			shield.GetLogger(req.Context()).Error("render form", "error", err)
		}
	})

	r.Get("/capture", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := renderer.CapturePage(w, store.Snapshot()); err != nil {
			shield.GetLogger(req.Context()).Error("render capture page", "error", err)
		}
	})

	r.Get("/api/reports", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, 200, store.List())
	})

	r.Post("/api/reports", func(w http.ResponseWriter, req *http.Request) {
		var in report.Report
		if err := decodeJSON(req, &in); err != nil {
			writeError(w, 400, err)
			return
		}
		added, err := store.Add(in)
		if err != nil {
			if errors.Is(err, report.ErrInvalidInput) {
				writeError(w, 400, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		events.LogEvent(req.Context(), observability.BusinessEvent{
			EventType:   "report_added",
			ServiceName: "schulwegcheck",
			EntityType:  "report",
			EntityID:    added.ID,
			Action:      "create",
			Success:     true,
		})
		writeJSON(w, 201, added)
	})

	r.Delete("/api/reports/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if err := store.Remove(id); err != nil {
			if errors.Is(err, report.ErrNotFound) {
				writeError(w, 404, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	})

	r.Post("/api/export", func(w http.ResponseWriter, req *http.Request) {
		res, err := exporter.Export(req.Context())
		if err != nil {
			if errors.Is(err, export.ErrInFlight) {
				writeError(w, 409, err)
				return
			}
			shield.GetLogger(req.Context()).Error("export", "error", err)
			writeError(w, 500, errors.New(exportUserError))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(res.PDF)))
		w.Write(res.PDF)
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second, // exports hold the connection
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}
