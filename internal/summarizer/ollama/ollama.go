// Package ollama summarizes page text with a locally hosted Ollama model.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

// Defaults for an unconfigured Summarizer.
const (
	DefaultURL           = "http://localhost:11434/api/generate"
	DefaultModel         = "granite3.2:2b"
	DefaultTimeout       = 60 * time.Second
	DefaultMaxInputChars = 12000
	DefaultPrompt        = "Summarize the following webpage, using 30 words or less. " +
		"Be concise, but make sure to capture the key points:\n\n"
)

// Config controls the generate request.
type Config struct {
	URL           string
	Model         string
	Prompt        string
	Timeout       time.Duration
	MaxInputChars int
}

// Summarizer implements digest.Summarizer against the Ollama generate API.
type Summarizer struct {
	cfg    Config
	client *http.Client
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// New builds a Summarizer. A nil client selects a client bounded by cfg.Timeout.
func New(cfg Config, client *http.Client) *Summarizer {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Summarizer{cfg: cfg, client: client}
}

// Summarize asks the model for a short synopsis of text.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Model:  s.cfg.Model,
		Prompt: s.cfg.Prompt + truncate(text, s.cfg.MaxInputChars),
		Stream: false,
	})
	if err != nil {
		return "", s.fail(digest.KindParse, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", s.fail(digest.KindNetwork, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", s.fail(digest.KindNetwork, fmt.Errorf("post generate: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", s.fail(digest.KindNetwork, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", s.fail(digest.KindStatus, fmt.Errorf("generate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", s.fail(digest.KindParse, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		return "", s.fail(digest.KindStatus, fmt.Errorf("generate error: %s", out.Error))
	}
	summary := strings.TrimSpace(out.Response)
	if summary == "" {
		return "", digest.NoContent(digest.StageSummarize, s.cfg.Model)
	}
	return summary, nil
}

func (s *Summarizer) fail(kind digest.FailureKind, err error) error {
	return digest.Failure(digest.StageSummarize, s.cfg.Model, kind, err)
}

// truncate cuts text to at most limit runes.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
