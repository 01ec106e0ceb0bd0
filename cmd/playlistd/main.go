package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"playlistgen/internal/catalog"
	"playlistgen/internal/config"
	"playlistgen/internal/domain"
	"playlistgen/internal/events/inproc"
	"playlistgen/internal/llm"
	"playlistgen/internal/pipeline"
	sqlitestore "playlistgen/internal/store/sqlite"
)

type app struct {
	cfg     config.Config
	service *pipeline.Service
	bus     *inproc.Bus
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.playlistgen/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	tokenFlag := flag.String("token", "", "generation API token override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*tokenFlag) != "" {
		cfg.Generation.Token = strings.TrimSpace(*tokenFlag)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8093")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Server.DBPath, "data/playlistgen.db"))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	catalogClient := catalog.NewClient(catalog.ClientConfig{
		BaseURL: cfg.Catalog.BaseURL,
		Timeout: durationMS(cfg.Catalog.TimeoutMS, 15*time.Second),
	})
	fetcher := catalog.NewFetcher(catalogClient, catalog.FetcherConfig{
		RelatedLimit: cfg.Catalog.RelatedLimit,
		SampleSize:   cfg.Catalog.SampleSize,
		FetchWorkers: cfg.Catalog.FetchWorkers,
		Logger:       log.Default(),
	})

	genClient, err := llm.NewChatClient(llm.ChatClientConfig{
		Endpoint:     cfg.Generation.Endpoint,
		Model:        cfg.Generation.Model,
		AuthToken:    cfg.Generation.Token,
		Timeout:      durationMS(cfg.Generation.TimeoutMS, 2*time.Minute),
		Retries:      cfg.Generation.Retries,
		RetryBackoff: durationMS(cfg.Generation.RetryBackoffMS, 1500*time.Millisecond),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("create generation client: %v", err)
	}

	bus := inproc.New(256)
	recorder := pipeline.NewRecorder(store, bus, log.Default())
	runner, err := pipeline.NewRunner(fetcher, genClient, pipeline.RunnerConfig{
		Language:    cfg.Generation.Language,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		TopP:        cfg.Generation.TopP,
		Notifier:    recorder,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("create pipeline runner: %v", err)
	}
	service := pipeline.NewService(runner, store, log.Default())

	a := &app{
		cfg:     cfg,
		service: service,
		bus:     bus,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRunByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"playlistd started addr=%s db=%s model=%s catalog=%s",
		addr,
		dbPath,
		cfg.Generation.Model,
		cfg.Catalog.BaseURL,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	service.Wait()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	// The credential never leaves the process.
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     a.cfg.Path,
		"model":    a.cfg.Generation.Model,
		"language": a.cfg.Generation.Language,
		"catalog":  a.cfg.Catalog.BaseURL,
	})
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.service.ListRuns())
	case http.MethodPost:
		var req struct {
			Artist string `json:"artist"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Artist) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("artist is required"))
			return
		}
		run, err := a.service.StartRun(r.Context(), req.Artist)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		run, err := a.service.GetRun(runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	switch parts[1] {
	case "events":
		if len(parts) == 3 && parts[2] == "stream" {
			a.streamRunEvents(w, r, runID)
			return
		}
		if len(parts) != 2 {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", trimmed))
			return
		}
		limit := queryInt(r, "limit", 200)
		events, err := a.service.ListRunEvents(r.Context(), runID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case "stages":
		run, err := a.service.GetRun(runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run.Stages)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

// streamFinalityInterval is how often the stream re-checks whether the run
// reached a final status while no event arrives.
const streamFinalityInterval = 200 * time.Millisecond

// streamRunEvents writes progress events for one run as newline-delimited
// JSON until the client disconnects or the run reaches a final status.
func (a *app) streamRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := a.service.GetRun(runID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	events := a.bus.Subscribe(runID)
	defer a.bus.Unsubscribe(runID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	emit := func(ev domain.StageEvent) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ticker := time.NewTicker(streamFinalityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open || !emit(ev) {
				return
			}
		case <-ticker.C:
			run, err := a.service.GetRun(runID)
			if err == nil && !domain.IsFinalStatus(run.Status) {
				continue
			}
			// Drain what is already queued before closing the stream.
			for {
				select {
				case ev, open := <-events:
					if !open || !emit(ev) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
