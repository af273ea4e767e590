package index

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/require"

	"welfare-agent/internal/domain"
)

type fakeQdrant struct {
	hits    []*qdrant.ScoredPoint
	err     error
	healthy error
	last    *qdrant.QueryPoints
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.last = req
	return f.hits, f.err
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, f.healthy
}

func hit(score float32, payload map[string]any) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{Score: score, Payload: qdrant.NewValueMap(payload)}
}

func TestQdrantIndex_Search(t *testing.T) {
	api := &fakeQdrant{hits: []*qdrant.ScoredPoint{
		hit(0.91, map[string]any{"text": "Marriage assistance is 60,000 rupees.", "source": "schemes.pdf"}),
		hit(0.50, map[string]any{"text": "   "}),
		hit(0.40, map[string]any{"other": "no text"}),
		hit(0.20, map[string]any{"text": "below threshold"}),
	}}
	idx := &QdrantIndex{api: api, collection: "welfare"}

	got, err := idx.Search(context.Background(), []float32{0.1, 0.2}, 5, 0.35)
	require.NoError(t, err)
	require.Equal(t, []domain.Passage{{Text: "Marriage assistance is 60,000 rupees.", Source: "schemes.pdf", Score: 0.91}}, got)

	require.Equal(t, "welfare", api.last.CollectionName)
	require.Equal(t, uint64(5), api.last.GetLimit())
	require.InDelta(t, 0.35, api.last.GetScoreThreshold(), 1e-6)
}

func TestQdrantIndex_SearchEdgeCases(t *testing.T) {
	api := &fakeQdrant{err: errors.New("unavailable")}
	idx := &QdrantIndex{api: api, collection: "welfare"}

	got, err := idx.Search(context.Background(), []float32{0.1}, 0, 0.35)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Nil(t, api.last)

	_, err = idx.Search(context.Background(), []float32{0.1}, 5, 0.35)
	require.ErrorContains(t, err, "unavailable")
}

func TestQdrantIndex_Ping(t *testing.T) {
	api := &fakeQdrant{}
	idx := &QdrantIndex{api: api}
	require.NoError(t, idx.Ping(context.Background()))

	api.healthy = errors.New("down")
	require.ErrorContains(t, idx.Ping(context.Background()), "down")
	require.NoError(t, idx.Close())
}

func TestNewQdrantIndex_RequiresCollection(t *testing.T) {
	_, err := NewQdrantIndex(QdrantConfig{Host: "localhost", Port: 6334})
	require.ErrorContains(t, err, "collection")
}

func TestLocalIndex_Search(t *testing.T) {
	idx, err := NewLocalIndex("", "")
	require.NoError(t, err)
	ctx := context.Background()

	got, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0.35)
	require.NoError(t, err)
	require.Empty(t, got, "empty collection yields no passages")

	require.NoError(t, idx.Add(ctx,
		[]string{"a", "b", "c"},
		[]domain.Passage{
			{Text: "accident compensation", Source: "a.pdf"},
			{Text: "pension rules", Source: "b.pdf"},
			{Text: "unrelated", Source: "c.pdf"},
		},
		[][]float32{{1, 0, 0}, {0.8, 0.6, 0}, {0, 0, 1}},
	))

	got, err = idx.Search(ctx, []float32{1, 0, 0}, 5, 0.35)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "accident compensation", got[0].Text)
	require.Equal(t, "a.pdf", got[0].Source)
	require.Equal(t, "pension rules", got[1].Text)
	require.Greater(t, got[0].Score, got[1].Score)

	got, err = idx.Search(ctx, []float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, idx.Ping(ctx))
}

func TestLocalIndex_AddLengthMismatch(t *testing.T) {
	idx, err := NewLocalIndex("", "test")
	require.NoError(t, err)
	err = idx.Add(context.Background(), []string{"a"}, nil, nil)
	require.Error(t, err)
}
