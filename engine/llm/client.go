// Package llm defines the seams to the local model endpoints: text
// generation, NLI judgment and embedding. The models themselves run outside
// this process; a thin HTTP client targets an OpenAI-compatible local server.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Generator produces free-form completions from the local LLM.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GenerateRequest carries one completion request.
type GenerateRequest struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// NLIVerdict is one entailment judgment over a (premise, hypothesis) pair.
type NLIVerdict struct {
	Label      string  `json:"label"` // entailment | contradiction | neutral
	Confidence float64 `json:"confidence"`
}

// Judge runs natural language inference between fragments and claims.
type Judge interface {
	Judge(ctx context.Context, premise, hypothesis string) (NLIVerdict, error)
}

// Embedder maps text to a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

var ErrUnavailable = errors.New("llm endpoint unavailable")

// Client is an HTTP client for an OpenAI-compatible local completion server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given base URL (e.g. a local llama.cpp
// or vLLM server).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues a completion request. Network and decode failures wrap
// ErrUnavailable so callers can fall back to rule-based paths.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrUnavailable)
	}
	return decoded.Choices[0].Text, nil
}
