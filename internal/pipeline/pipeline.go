// Package pipeline runs the fixed chain of role-bound agents over catalog
// metadata. The topology is data: an ordered list of stage specs, each
// naming its role instruction and input source.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"playlistgen/internal/agent"
	"playlistgen/internal/domain"
	"playlistgen/internal/llm"
)

// DefaultStages is the four-stage chain of the original system. Stages one
// and two both consume the built context; stages three and four consume the
// preceding stage's output.
func DefaultStages() []domain.StageSpec {
	return []domain.StageSpec{
		{
			Name:  "Similarity Analyst",
			Role:  "Analyze the list of related artists. Explain the stylistic links between the target artist and the related entities.",
			Input: domain.StageInputContext,
		},
		{
			Name:  "Playlist Compiler",
			Role:  "Compile a single track list from the context. Format every entry as 'Artist - Track'. Do not invent entries that are absent from the context.",
			Input: domain.StageInputContext,
		},
		{
			Name:  "Mood Classifier",
			Role:  "Split the track list into two contrasting mood categories. Output the sorted lists under two headings.",
			Input: domain.StageInputPrevious,
		},
		{
			Name:  "Discovery Recommender",
			Role:  "Suggest 3 new tracks from artists that do not appear in the list.",
			Input: domain.StageInputPrevious,
		},
	}
}

// MetadataFetcher is the catalog dependency of the runner.
type MetadataFetcher interface {
	Fetch(ctx context.Context, artistQuery string) (*domain.ArtistMetadata, error)
}

// Notifier receives best-effort progress events while a run advances.
type Notifier interface {
	Publish(event domain.StageEvent)
}

type RunnerConfig struct {
	Stages   []domain.StageSpec
	Language string
	// Decoding overrides handed to every stage agent; zero values keep the
	// agent defaults.
	MaxTokens   int
	Temperature float64
	TopP        float64
	Notifier    Notifier
	Logger      *log.Logger
}

// Runner executes the metadata fetch followed by every stage in order. It
// never parallelizes stages and never branches on their content. A failed
// stage does not stop the chain: its failure text is substituted and fed
// forward, and the result keeps the explicit failure flag.
type Runner struct {
	fetcher     MetadataFetcher
	client      llm.Client
	stages      []domain.StageSpec
	language    string
	maxTokens   int
	temperature float64
	topP        float64
	notifier    Notifier
	logger      *log.Logger
}

// Outcome is the full product of one run.
type Outcome struct {
	Metadata domain.ArtistMetadata
	Context  string
	Stages   []domain.StageResult
}

// Failed reports whether any stage carried a generation failure.
func (o Outcome) Failed() bool {
	for _, stage := range o.Stages {
		if stage.Failed {
			return true
		}
	}
	return false
}

func NewRunner(fetcher MetadataFetcher, client llm.Client, cfg RunnerConfig) (*Runner, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("runner needs a metadata fetcher")
	}
	if client == nil {
		return nil, fmt.Errorf("runner needs a generation client")
	}
	stages := cfg.Stages
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	for i, spec := range stages {
		if spec.Input == domain.StageInputPrevious && i == 0 {
			return nil, fmt.Errorf("stage %q cannot consume previous output as the first stage", spec.Name)
		}
		if spec.Input != domain.StageInputContext && spec.Input != domain.StageInputPrevious {
			return nil, fmt.Errorf("stage %q has unknown input selector %q", spec.Name, spec.Input)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		fetcher:     fetcher,
		client:      client,
		stages:      stages,
		language:    cfg.Language,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		notifier:    cfg.Notifier,
		logger:      logger,
	}, nil
}

// Run fetches metadata for the query and drives the chain. When the fetch
// fails (artist unknown or any catalog step broke) no agent executes and the
// error propagates to the caller.
func (r *Runner) Run(ctx context.Context, runID, artistQuery string) (Outcome, error) {
	r.notify(runID, "", "fetch_started", "")
	meta, err := r.fetcher.Fetch(ctx, artistQuery)
	if err != nil {
		r.notify(runID, "", "fetch_failed", err.Error())
		return Outcome{}, fmt.Errorf("fetch metadata for %q: %w", artistQuery, err)
	}
	r.notify(runID, "", "fetch_finished", meta.SourceArtist)

	builtContext := BuildContext(*meta)
	outcome := Outcome{
		Metadata: *meta,
		Context:  builtContext,
		Stages:   make([]domain.StageResult, 0, len(r.stages)),
	}

	previous := builtContext
	for _, spec := range r.stages {
		stageAgent, err := agent.New(agent.Config{
			Name:        spec.Name,
			Role:        spec.Role,
			Language:    r.language,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
			TopP:        r.topP,
			Client:      r.client,
			Logger:      r.logger,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("construct stage %q: %w", spec.Name, err)
		}

		input := builtContext
		if spec.Input == domain.StageInputPrevious {
			input = previous
		}

		r.notify(runID, spec.Name, "stage_started", "")
		result := stageAgent.Execute(ctx, input)
		outcome.Stages = append(outcome.Stages, result)
		if result.Failed {
			r.notify(runID, spec.Name, "stage_failed", result.FailReason)
		} else {
			r.notify(runID, spec.Name, "stage_finished", "")
		}
		previous = result.Text()
	}
	return outcome, nil
}

func (r *Runner) notify(runID, stage, action, reason string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(domain.StageEvent{
		RunID:     runID,
		Stage:     stage,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}
