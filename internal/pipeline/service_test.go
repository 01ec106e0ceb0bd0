package pipeline

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"playlistgen/internal/catalog"
	"playlistgen/internal/domain"
	"playlistgen/internal/events/inproc"
	"playlistgen/internal/store/sqlite"
)

func newTestService(t *testing.T, fetcher MetadataFetcher, client *echoClient) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}

	recorder := NewRecorder(store, inproc.New(16), log.Default())
	runner, err := NewRunner(fetcher, client, RunnerConfig{Notifier: recorder})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return NewService(runner, store, log.Default()), store
}

func TestStartRunLifecycle(t *testing.T) {
	service, store := newTestService(t, &stubFetcher{meta: testMetadata()}, &echoClient{})

	started, err := service.StartRun(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if started.Status != domain.RunStatusRunning {
		t.Fatalf("initial status=%s", started.Status)
	}
	if started.Query != "Echo" {
		t.Fatalf("query=%q", started.Query)
	}
	service.Wait()

	run, err := service.GetRun(started.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusDone {
		t.Fatalf("final status=%s", run.Status)
	}
	if run.ResolvedName != "Echo" {
		t.Fatalf("resolved name=%q", run.ResolvedName)
	}
	if len(run.Stages) != 4 {
		t.Fatalf("stages=%d want 4", len(run.Stages))
	}
	if run.Context == "" {
		t.Fatalf("built context missing from run")
	}

	// The store keeps the audit trail, never the generated text.
	stored, err := store.GetRun(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("get stored run: %v", err)
	}
	if stored.Status != domain.RunStatusDone {
		t.Fatalf("stored status=%s", stored.Status)
	}
	events, err := service.ListRunEvents(context.Background(), started.ID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected audit events")
	}
	for _, ev := range events {
		if strings.Contains(ev.Reason, "GEN") {
			t.Fatalf("event reason carries generated text: %q", ev.Reason)
		}
	}
	last := events[len(events)-1]
	if last.Action != "run_finished" {
		t.Fatalf("last event action=%q", last.Action)
	}
}

func TestStartRunArtistNotFound(t *testing.T) {
	service, _ := newTestService(t, &stubFetcher{err: catalog.ErrArtistNotFound}, &echoClient{})

	started, err := service.StartRun(context.Background(), "Zzyzx123")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	service.Wait()

	run, err := service.GetRun(started.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s want failed", run.Status)
	}
	if !strings.Contains(run.LastError, "artist not found") {
		t.Fatalf("last error=%q", run.LastError)
	}
	if len(run.Stages) != 0 {
		t.Fatalf("no stage should run after a failed fetch, got %d", len(run.Stages))
	}
}

func TestStartRunStageFailureYieldsDoneWithFailures(t *testing.T) {
	service, _ := newTestService(t, &stubFetcher{meta: testMetadata()}, &echoClient{failOn: 2})

	started, err := service.StartRun(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	service.Wait()

	run, err := service.GetRun(started.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusDoneWithFailures {
		t.Fatalf("status=%s want done_with_failures", run.Status)
	}
	if len(run.Stages) != 4 {
		t.Fatalf("stages=%d want 4", len(run.Stages))
	}
	if !run.Stages[1].Failed {
		t.Fatalf("expected stage 2 to carry the failure flag")
	}
}

func TestGetRunUnknownID(t *testing.T) {
	service, _ := newTestService(t, &stubFetcher{meta: testMetadata()}, &echoClient{})

	if _, err := service.GetRun("nope"); err != ErrRunNotFound {
		t.Fatalf("err=%v want ErrRunNotFound", err)
	}
}

func TestListRunsReturnsCopies(t *testing.T) {
	service, _ := newTestService(t, &stubFetcher{meta: testMetadata()}, &echoClient{})

	started, err := service.StartRun(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	service.Wait()

	runs := service.ListRuns()
	if len(runs) != 1 {
		t.Fatalf("runs=%d want 1", len(runs))
	}
	runs[0].Stages[0].Output = "mutated"

	run, err := service.GetRun(started.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Stages[0].Output == "mutated" {
		t.Fatalf("ListRuns leaked internal state")
	}
}
