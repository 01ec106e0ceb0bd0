package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"playlistgen/internal/config"
	"playlistgen/internal/domain"
	"playlistgen/internal/events/inproc"
	"playlistgen/internal/llm"
	"playlistgen/internal/pipeline"
	sqlitestore "playlistgen/internal/store/sqlite"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, string) (*domain.ArtistMetadata, error) {
	return &domain.ArtistMetadata{
		SourceArtist: "Echo",
		SourceTracks: []string{"First Light"},
		Similar:      []domain.RelatedArtist{{Name: "Reverb", Tracks: []string{"Hall"}}},
	}, nil
}

type stubGen struct{}

func (stubGen) Complete(_ context.Context, _ []llm.Message, _ llm.Params) (string, error) {
	return "generated text", nil
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	bus := inproc.New(16)
	runner, err := pipeline.NewRunner(stubFetcher{}, stubGen{}, pipeline.RunnerConfig{
		Notifier: pipeline.NewRecorder(store, bus, log.Default()),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return &app{
		cfg:     config.Default(),
		service: pipeline.NewService(runner, store, log.Default()),
		bus:     bus,
	}
}

func TestHandleRunsLifecycle(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"artist":"Echo"}`))
	rec := httptest.NewRecorder()
	a.handleRuns(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var started domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if started.ID == "" || started.Status != domain.RunStatusRunning {
		t.Fatalf("run=%+v", started)
	}
	a.service.Wait()

	rec = httptest.NewRecorder()
	a.handleRunByID(rec, httptest.NewRequest(http.MethodGet, "/runs/"+started.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var run domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != domain.RunStatusDone {
		t.Fatalf("status=%s want done", run.Status)
	}
	if len(run.Stages) != 4 {
		t.Fatalf("stages=%d want 4", len(run.Stages))
	}

	rec = httptest.NewRecorder()
	a.handleRunByID(rec, httptest.NewRequest(http.MethodGet, "/runs/"+started.ID+"/stages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stages status=%d", rec.Code)
	}
	var stages []domain.StageResult
	if err := json.Unmarshal(rec.Body.Bytes(), &stages); err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	if len(stages) != 4 || stages[0].Output != "generated text" {
		t.Fatalf("stages=%+v", stages)
	}

	rec = httptest.NewRecorder()
	a.handleRunByID(rec, httptest.NewRequest(http.MethodGet, "/runs/"+started.ID+"/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("events status=%d", rec.Code)
	}
	var events []domain.RunEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected audit events")
	}
}

func TestHandleRunsRejectsBadInput(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleRuns(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"artist":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.handleRuns(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`not json`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.handleRuns(rec, httptest.NewRequest(http.MethodDelete, "/runs", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want 405", rec.Code)
	}
}

func TestHandleRunByIDUnknown(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleRunByID(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}
}

func TestStreamRunEventsDeliversQueuedEventsAndCloses(t *testing.T) {
	a := newTestApp(t)

	started, err := a.service.StartRun(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	a.service.Wait()

	// Subscribe before the handler so the published events queue on the
	// run's channel instead of being dropped.
	a.bus.Subscribe(started.ID)
	a.bus.Publish(domain.StageEvent{RunID: started.ID, Stage: "Similarity Analyst", Action: "stage_started", CreatedAt: time.Now().UTC()})
	a.bus.Publish(domain.StageEvent{RunID: started.ID, Stage: "Similarity Analyst", Action: "stage_finished", CreatedAt: time.Now().UTC()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/"+started.ID+"/events/stream", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.handleRunByID(rec, req)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("stream did not close for a finished run")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type=%q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d body=%q", len(lines), rec.Body.String())
	}
	var first domain.StageEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first event: %v", err)
	}
	if first.Action != "stage_started" || first.RunID != started.ID {
		t.Fatalf("first event=%+v", first)
	}
}

func TestStreamRunEventsUnknownRun(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleRunByID(rec, httptest.NewRequest(http.MethodGet, "/runs/missing/events/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}
}

func TestHandleConfigNeverExposesToken(t *testing.T) {
	a := newTestApp(t)
	a.cfg.Generation.Token = "super-secret"

	rec := httptest.NewRecorder()
	a.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Fatalf("config response leaked the credential: %s", rec.Body.String())
	}
}
