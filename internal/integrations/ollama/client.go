package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"welfare-agent/internal/domain"
)

const (
	defaultBaseURL          = "http://localhost:11434"
	defaultEmbedModel       = "nomic-embed-text"
	defaultMaxResponseBytes = 1 << 20
)

// chatRequest is the request shape for /api/chat.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  *modelOptions        `json:"options,omitempty"`
}

type modelOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumPredict    int     `json:"num_predict,omitempty"`
}

// chatResponse is one /api/chat reply, or one NDJSON line when streaming.
type chatResponse struct {
	Message domain.ChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error,omitempty"`
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to a local Ollama server for chat generation and embeddings.
type Client struct {
	baseURL          string
	model            string
	embedModel       string
	httpClient       *http.Client
	maxResponseBytes int64
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithEmbedModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embedModel = m
		}
	}
}

// WithMaxResponseBytes caps how much of any single response is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// NewClient creates a Client for the chat model served at baseURL. No
// client-level timeout is set: every call is bounded by its context so that
// long streams are not cut off mid-answer.
func NewClient(baseURL, model string, opts ...Option) (*Client, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("ollama: model must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:          baseURL,
		model:            model,
		embedModel:       defaultEmbedModel,
		httpClient:       &http.Client{},
		maxResponseBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

// Generate returns the complete reply for req.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	url := c.baseURL + "/api/chat"
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, url, c.chatBody(req, false))
	if err != nil {
		return "", err
	}

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return "", fmt.Errorf("ollama: chat request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("ollama: decode chat response: %w", decErr)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("ollama: model error: %s", payload.Error)
	}
	return payload.Message.Content, nil
}

// GenerateStream calls fn with each piece of the reply in order. It returns
// when the model signals done, fn fails, or ctx ends.
func (c *Client) GenerateStream(ctx context.Context, req domain.GenerateRequest, fn func(chunk string) error) error {
	url := c.baseURL + "/api/chat"
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, url, c.chatBody(req, true))
	if err != nil {
		return err
	}

	res, err := c.resolvedHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: stream request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res, url); err != nil {
		return fmt.Errorf("ollama: stream request failed: %w", err)
	}

	scanner := bufio.NewScanner(io.LimitReader(res.Body, c.maxResponseBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), int(c.maxResponseBytes))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var part chatResponse
		if err := json.Unmarshal(line, &part); err != nil {
			return fmt.Errorf("ollama: decode stream line: %w", err)
		}
		if part.Error != "" {
			return fmt.Errorf("ollama: model error: %s", part.Error)
		}
		if part.Message.Content != "" {
			if err := fn(part.Message.Content); err != nil {
				return err
			}
		}
		if part.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama: read stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("ollama: stream ended before completion")
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	url := c.baseURL + "/api/embeddings"
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, url, embeddingRequest{Model: c.embedModel, Prompt: text})
	if err != nil {
		return nil, err
	}

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return nil, fmt.Errorf("ollama: embedding request failed: %w", err)
	}

	var payload embeddingResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("ollama: decode embedding response: %w", decErr)
	}
	if len(payload.Embedding) == 0 {
		return nil, errors.New("ollama: empty embedding in response")
	}
	return payload.Embedding, nil
}

// Ping checks the server is up by listing local models.
func (c *Client) Ping(ctx context.Context) error {
	url := c.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	if _, err := c.doJSONRequest(req, url); err != nil {
		return fmt.Errorf("ollama: ping: %w", err)
	}
	return nil
}

func (c *Client) chatBody(req domain.GenerateRequest, stream bool) chatRequest {
	s := req.Sampling
	return chatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   stream,
		Options: &modelOptions{
			Temperature:   s.Temperature,
			TopP:          s.TopP,
			TopK:          s.TopK,
			RepeatPenalty: s.RepeatPenalty,
			NumPredict:    s.MaxTokens,
		},
	}
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if err := checkStatus(res, url); err != nil {
		return nil, err
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(buf)) > c.maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", c.maxResponseBytes)
	}
	return buf, nil
}

func checkStatus(res *http.Response, url string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
}
