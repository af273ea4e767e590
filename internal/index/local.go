package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"welfare-agent/internal/domain"
)

const defaultLocalCollection = "welfare-schemes"

// LocalIndex is an embedded chromem-go collection, used for development and
// single-node deployments without a Qdrant server.
type LocalIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	mu         sync.RWMutex
}

// NewLocalIndex opens (or creates) a persistent collection under path. An
// empty path keeps everything in memory.
func NewLocalIndex(path, collection string) (*LocalIndex, error) {
	if collection == "" {
		collection = defaultLocalCollection
	}
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("index: open chromem db: %w", err)
		}
	}
	// Vectors are always supplied by the caller, so no embedding func is
	// needed; chromem only calls it for documents without one.
	col, err := db.GetOrCreateCollection(collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("index: open collection: %w", err)
	}
	return &LocalIndex{db: db, collection: col}, nil
}

var errNoEmbedding = errors.New("index: local documents must carry an embedding")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// Add stores pre-embedded passages. Each passage needs a unique id.
func (l *LocalIndex) Add(ctx context.Context, ids []string, passages []domain.Passage, vecs [][]float32) error {
	if len(ids) != len(passages) || len(ids) != len(vecs) {
		return errors.New("index: ids, passages and vectors must have equal length")
	}
	docs := make([]chromem.Document, len(ids))
	for i := range ids {
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   passages[i].Text,
			Metadata:  map[string]string{payloadSource: passages[i].Source},
			Embedding: vecs[i],
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("index: add documents: %w", err)
	}
	return nil
}

// Search returns up to topK passages with similarity at least minScore.
func (l *LocalIndex) Search(ctx context.Context, vec []float32, topK int, minScore float32) ([]domain.Passage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := min(topK, l.collection.Count())
	if n <= 0 || len(vec) == 0 {
		return nil, nil
	}
	results, err := l.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: local query: %w", err)
	}
	out := make([]domain.Passage, 0, len(results))
	for _, r := range results {
		if r.Similarity < minScore {
			continue
		}
		out = append(out, domain.Passage{Text: r.Content, Source: r.Metadata[payloadSource], Score: r.Similarity})
	}
	return out, nil
}

func (l *LocalIndex) Ping(context.Context) error {
	if l.collection == nil {
		return errors.New("index: local collection not open")
	}
	return nil
}
