// Package agent binds a role instruction to one generation call.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"playlistgen/internal/domain"
	"playlistgen/internal/llm"
)

// Default decoding parameters, fixed per stage invocation unless the
// configuration overrides them.
const (
	defaultMaxOutputTokens = 1500
	defaultTemperature     = 0.4
	defaultTopP            = 0.9
)

const defaultLanguage = "Russian"

type Config struct {
	Name     string
	Role     string
	Language string
	// MaxTokens, Temperature and TopP override the default decoding
	// parameters when positive.
	MaxTokens   int
	Temperature float64
	TopP        float64
	Client      llm.Client
	Logger      *log.Logger
}

// Agent wraps one generation call behind a fixed name and role instruction.
// Generation failures never escape Execute; they come back as a failed
// StageResult so the caller decides what to do with them.
type Agent struct {
	name     string
	role     string
	language string
	params   llm.Params
	client   llm.Client
	logger   *log.Logger
}

func New(cfg Config) (*Agent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	role := strings.TrimSpace(cfg.Role)
	if role == "" {
		return nil, fmt.Errorf("agent %q role is required", name)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("agent %q needs a generation client", name)
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = defaultLanguage
	}
	params := llm.Params{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultMaxOutputTokens
	}
	if params.Temperature <= 0 {
		params.Temperature = defaultTemperature
	}
	if params.TopP <= 0 {
		params.TopP = defaultTopP
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Agent{
		name:     name,
		role:     role,
		language: language,
		params:   params,
		client:   cfg.Client,
		logger:   logger,
	}, nil
}

func (a *Agent) Name() string {
	return a.name
}

// Execute sends the role-framed system message plus the input context to the
// generation service and returns the outcome. It never returns an error:
// generation failures are reported inside the result.
func (a *Agent) Execute(ctx context.Context, inputContext string) domain.StageResult {
	result := domain.StageResult{
		Stage:     a.name,
		StartedAt: time.Now().UTC(),
	}

	messages := []llm.Message{
		{Role: "system", Content: a.systemPrompt()},
		{Role: "user", Content: "DATA CONTEXT:\n" + inputContext},
	}
	output, err := a.client.Complete(ctx, messages, a.params)
	result.FinishedAt = time.Now().UTC()
	if err != nil {
		a.logger.Printf("agent %q generation failed: %v", a.name, err)
		result.Failed = true
		result.FailReason = err.Error()
		return result
	}
	result.Output = output
	return result
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	b.WriteString("ROLE: ")
	b.WriteString(a.name)
	b.WriteString("\nTASK: ")
	b.WriteString(a.role)
	b.WriteString("\nCONSTRAINTS: respond in ")
	b.WriteString(a.language)
	b.WriteString(", format the answer as structured Markdown, reason strictly from the supplied context and invent nothing beyond it.")
	return b.String()
}
