// Package index searches the scheme-document knowledge base by embedding.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"welfare-agent/internal/domain"
)

// Payload keys written by the ingestion pipeline.
const (
	payloadText   = "text"
	payloadSource = "source"
)

type qdrantAPI interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
}

// QdrantConfig locates a remote collection.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantIndex queries a Qdrant collection populated out of band.
type QdrantIndex struct {
	api        qdrantAPI
	closer     func() error
	collection string
}

func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("index: qdrant collection must not be empty")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant: %w", err)
	}
	return &QdrantIndex{api: client, closer: client.Close, collection: cfg.Collection}, nil
}

// Search returns up to topK passages scoring at least minScore, best first.
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, topK int, minScore float32) ([]domain.Passage, error) {
	if topK <= 0 || len(vec) == 0 {
		return nil, nil
	}
	limit := uint64(topK)
	hits, err := q.api.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		ScoreThreshold: &minScore,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	out := make([]domain.Passage, 0, len(hits))
	for _, hit := range hits {
		if hit.GetScore() < minScore {
			continue
		}
		text := payloadString(hit.GetPayload(), payloadText)
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, domain.Passage{
			Text:   text,
			Source: payloadString(hit.GetPayload(), payloadSource),
			Score:  hit.GetScore(),
		})
	}
	return out, nil
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.api.HealthCheck(ctx); err != nil {
		return fmt.Errorf("index: qdrant health: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Close() error {
	if q.closer == nil {
		return nil
	}
	return q.closer()
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
		return s.StringValue
	}
	return ""
}
