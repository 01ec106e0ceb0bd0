package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"playlistgen/internal/catalog"
	"playlistgen/internal/domain"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store is the audit-trail dependency of the service.
type Store interface {
	CreateRun(ctx context.Context, run domain.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, lastError string) error
	SetRunResolvedName(ctx context.Context, runID string, resolvedName string) error
	LogEvent(ctx context.Context, event domain.RunEvent) error
	ListRunEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error)
}

// Recorder fans runner progress out to live subscribers and into the audit
// trail. It is the Notifier handed to the runner.
type Recorder struct {
	store  Store
	bus    Notifier
	logger *log.Logger
}

func NewRecorder(store Store, bus Notifier, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		store:  store,
		bus:    bus,
		logger: logger,
	}
}

func (r *Recorder) Publish(event domain.StageEvent) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
	if r.store == nil {
		return
	}
	err := r.store.LogEvent(context.Background(), domain.RunEvent{
		RunID:     event.RunID,
		Stage:     event.Stage,
		Action:    event.Action,
		Reason:    trimText(event.Reason, 300),
		Detail:    []byte("{}"),
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		r.logger.Printf("log run event failed run=%s action=%s: %v", event.RunID, event.Action, err)
	}
}

// Service owns run lifecycle: it starts pipeline executions, keeps their
// full results in memory for the process lifetime, and writes lifecycle
// events to the store. Stage outputs stay in memory only.
type Service struct {
	runner *Runner
	store  Store
	logger *log.Logger

	mu   sync.RWMutex
	runs map[string]*domain.Run

	wg sync.WaitGroup
}

func NewService(runner *Runner, store Store, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		runner: runner,
		store:  store,
		logger: logger,
		runs:   make(map[string]*domain.Run),
	}
}

// StartRun registers a new run for the query and executes the pipeline in
// the background. The returned run is the initial running record.
func (s *Service) StartRun(ctx context.Context, artistQuery string) (domain.Run, error) {
	query := strings.TrimSpace(artistQuery)
	if query == "" {
		return domain.Run{}, fmt.Errorf("artist query is required")
	}

	now := time.Now().UTC()
	run := domain.Run{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    domain.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("persist run: %w", err)
	}

	s.mu.Lock()
	stored := run
	s.runs[run.ID] = &stored
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(run.ID, query)
	}()
	return run, nil
}

// Wait blocks until every in-flight run finishes. Used by shutdown and tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) GetRun(runID string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *Service) ListRuns() []domain.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, cloneRun(run))
	}
	return runs
}

func (s *Service) ListRunEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error) {
	return s.store.ListRunEvents(ctx, runID, limit)
}

func (s *Service) execute(runID, query string) {
	ctx := context.Background()
	outcome, err := s.runner.Run(ctx, runID, query)
	if err != nil {
		reason := "catalog data unavailable"
		if errors.Is(err, catalog.ErrArtistNotFound) {
			reason = "artist not found"
		}
		s.finishRun(ctx, runID, func(run *domain.Run) {
			run.Status = domain.RunStatusFailed
			run.LastError = reason + ": " + err.Error()
		})
		s.logEvent(ctx, runID, "run_failed", reason, map[string]any{"error": err.Error()})
		s.logger.Printf("run %s failed: %v", runID, err)
		return
	}

	status := domain.RunStatusDone
	if outcome.Failed() {
		status = domain.RunStatusDoneWithFailures
	}
	s.finishRun(ctx, runID, func(run *domain.Run) {
		run.Status = status
		run.ResolvedName = outcome.Metadata.SourceArtist
		run.Context = outcome.Context
		run.Stages = outcome.Stages
	})
	if err := s.store.SetRunResolvedName(ctx, runID, outcome.Metadata.SourceArtist); err != nil {
		s.logger.Printf("set resolved name failed run=%s: %v", runID, err)
	}
	s.logEvent(ctx, runID, "run_finished", string(status), map[string]any{
		"stages":   len(outcome.Stages),
		"resolved": outcome.Metadata.SourceArtist,
	})
}

func (s *Service) finishRun(ctx context.Context, runID string, apply func(run *domain.Run)) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if ok {
		apply(run)
		run.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.mu.RLock()
	status := run.Status
	lastError := run.LastError
	s.mu.RUnlock()
	if err := s.store.UpdateRunStatus(ctx, runID, status, lastError); err != nil {
		s.logger.Printf("update run status failed run=%s: %v", runID, err)
	}
}

func (s *Service) logEvent(ctx context.Context, runID, action, reason string, detail map[string]any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}
	if err := s.store.LogEvent(ctx, domain.RunEvent{
		RunID:  runID,
		Action: action,
		Reason: reason,
		Detail: payload,
	}); err != nil {
		s.logger.Printf("log run event failed run=%s action=%s: %v", runID, action, err)
	}
}

func cloneRun(run *domain.Run) domain.Run {
	out := *run
	if run.Stages != nil {
		out.Stages = make([]domain.StageResult, len(run.Stages))
		copy(out.Stages, run.Stages)
	}
	return out
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
