package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRetries           = 2
	defaultRetryBackoff      = 1500 * time.Millisecond
	defaultTimeout           = 2 * time.Minute
	maxHTTPErrorBodyReadSize = 64 * 1024
)

// Message is one role-tagged chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the decoding parameters for one completion call.
type Params struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Client is the generation-service contract the agents depend on.
type Client interface {
	Complete(ctx context.Context, messages []Message, params Params) (string, error)
}

type ChatClientConfig struct {
	Endpoint     string
	Model        string
	AuthToken    string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Logger       *log.Logger
	HTTPClient   *http.Client
}

// ChatClient calls an OpenAI-compatible chat-completions endpoint with a
// bearer credential and retries transient failures with linear backoff.
type ChatClient struct {
	endpoint     string
	model        string
	authToken    string
	retries      int
	retryBackoff time.Duration
	logger       *log.Logger
	client       *http.Client
}

func NewChatClient(cfg ChatClientConfig) (*ChatClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty generation endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid generation endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &ChatClient{
		endpoint:     endpoint,
		model:        model,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		retries:      retries,
		retryBackoff: retryBackoff,
		logger:       cfg.Logger,
		client:       client,
	}, nil
}

func (c *ChatClient) Complete(ctx context.Context, messages []Message, params Params) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		text, err := c.completeOnce(ctx, messages, params)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryableError(err) || attempt == c.retries+1 {
			break
		}
		wait := time.Duration(attempt) * c.retryBackoff
		c.logger.Printf("generation retry attempt=%d wait=%s reason=%v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown generation error")
	}
	return "", lastErr
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
	} `json:"error,omitempty"`
}

func (c *ChatClient) completeOnce(ctx context.Context, messages []Message, params Params) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return "", fmt.Errorf("chat status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return "", apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("chat api status=%d", e.statusCode)
	}
	return fmt.Sprintf("chat api status=%d body=%s", e.statusCode, e.body)
}

func isRetryableError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
