package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"welfare-agent/internal/domain"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1/"
	defaultEmbedModel = "text-embedding-3-small"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client serves chat generation and embeddings from any OpenAI-compatible
// endpoint (OpenAI itself, vLLM, llama.cpp server, LiteLLM).
type Client struct {
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client

	getter    Getter
	paramName string
	apiKey    string

	initOnce sync.Once
	api      *sdk.Client
	initErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimSpace(baseURL); u != "" {
			c.baseURL = u
		}
	}
}

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

// WithParamStore makes the client read its API key from the named SSM
// parameter on first use. It takes precedence over OPENAI_API_KEY.
func WithParamStore(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramName = strings.TrimSpace(name)
	}
}

// WithAPIKey sets the key directly, mostly for tests and local runs.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// NewClient creates a Client for model. The underlying SDK client is built
// lazily so that the key lookup happens once per process, on the first call.
func NewClient(model string, opts ...Option) (*Client, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      model,
		embedModel: defaultEmbedModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter == nil && c.paramName != "" {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*sdk.Client, error) {
	c.initOnce.Do(func() {
		key, err := c.resolveAPIKey(ctx)
		if err != nil {
			c.initErr = err
			return
		}
		options := []option.RequestOption{
			option.WithBaseURL(baseURLWithSlash(c.baseURL)),
			option.WithMaxRetries(0),
		}
		if key != "" {
			options = append(options, option.WithAPIKey(key))
		}
		if c.httpClient != nil {
			options = append(options, option.WithHTTPClient(c.httpClient))
		}
		api := sdk.NewClient(options...)
		c.api = &api
	})
	return c.api, c.initErr
}

// resolveAPIKey picks the key from, in order: an explicit option, SSM, the
// OPENAI_API_KEY environment variable. An empty key means unauthenticated
// access, which local OpenAI-compatible servers accept.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	if c.getter != nil {
		return fetchAPIKeyFromParamStore(ctx, c.getter, c.paramName)
	}
	return os.Getenv("OPENAI_API_KEY"), nil
}

func baseURLWithSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

func (c *Client) params(req domain.GenerateRequest) sdk.ChatCompletionNewParams {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		case domain.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		}
	}
	p := sdk.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       c.model,
		Temperature: sdk.Float(req.Sampling.Temperature),
	}
	if req.Sampling.TopP > 0 {
		p.TopP = sdk.Float(req.Sampling.TopP)
	}
	if req.Sampling.MaxTokens > 0 {
		p.MaxCompletionTokens = sdk.Int(int64(req.Sampling.MaxTokens))
	}
	return p
}

// Generate returns the complete reply for req.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	api, err := c.client(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return "", fmt.Errorf("openai: chat request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream calls fn with each content delta in order.
func (c *Client) GenerateStream(ctx context.Context, req domain.GenerateRequest, fn func(chunk string) error) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	stream := api.Chat.Completions.NewStreaming(ctx, c.params(req))
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			if err := fn(text); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: stream failed: %w", err)
	}
	return nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
		Model: sdk.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: empty embedding in response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Ping lists models, which every compatible server implements.
func (c *Client) Ping(ctx context.Context) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	if _, err := api.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: ping: %w", err)
	}
	return nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
