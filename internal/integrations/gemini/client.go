package gemini

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"welfare-agent/internal/domain"
)

const defaultEmbedModel = "text-embedding-004"

// Client serves generation and query embeddings from the Gemini API.
type Client struct {
	api        *genai.Client
	model      string
	embedModel string
}

type config struct {
	embedModel string
	baseURL    string
	httpClient *http.Client
}

type Option func(*config)

func WithEmbedModel(model string) Option {
	return func(c *config) {
		if m := strings.TrimSpace(model); m != "" {
			c.embedModel = m
		}
	}
}

// WithBaseURL points the SDK at another endpoint, e.g. a regional proxy.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = strings.TrimSpace(u) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// NewClient builds a Gemini API client for model authenticated with apiKey.
func NewClient(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	cfg := config{embedModel: defaultEmbedModel}
	for _, opt := range opts {
		opt(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	api, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{api: api, model: model, embedModel: cfg.embedModel}, nil
}

// Generate returns the complete reply for req.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	contents, cfg := buildContents(req)
	res, err := c.api.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	return res.Text(), nil
}

// GenerateStream calls fn with each text part in arrival order.
func (c *Client) GenerateStream(ctx context.Context, req domain.GenerateRequest, fn func(chunk string) error) error {
	contents, cfg := buildContents(req)
	for res, err := range c.api.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
		if err != nil {
			return fmt.Errorf("gemini: stream content: %w", err)
		}
		if text := res.Text(); text != "" {
			if err := fn(text); err != nil {
				return err
			}
		}
	}
	return nil
}

// Embed returns an L2-normalised query embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}
	res, err := c.api.Models.EmbedContent(ctx, c.embedModel, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_QUERY",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed content: %w", err)
	}
	if len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini: empty embedding in response")
	}
	vec := res.Embeddings[0].Values
	normalize(vec)
	return vec, nil
}

// Ping fetches the configured model's metadata.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Models.Get(ctx, c.model, nil); err != nil {
		return fmt.Errorf("gemini: ping: %w", err)
	}
	return nil
}

// buildContents maps provider-neutral messages onto Gemini turns. System
// messages are folded into the system instruction.
func buildContents(req domain.GenerateRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	s := req.Sampling
	temp := float32(s.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if s.TopP > 0 {
		topP := float32(s.TopP)
		cfg.TopP = &topP
	}
	if s.TopK > 0 {
		topK := float32(s.TopK)
		cfg.TopK = &topK
	}
	if s.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(s.MaxTokens)
	}
	return contents, cfg
}

func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}
	magnitude := float32(math.Sqrt(sum))
	if magnitude <= 0 {
		return
	}
	for i := range v {
		v[i] /= magnitude
	}
}
