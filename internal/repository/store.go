// Package repository persists threads, turns and cached user contexts. Every
// backend implements Store; pick one with storage.backend.
package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"welfare-agent/internal/domain"
)

// ErrThreadExists is returned by CreateThread for a duplicate id.
var ErrThreadExists = errors.New("repository: thread already exists")

// Store is the full persistence surface used by the service.
type Store interface {
	CreateThread(ctx context.Context, t domain.Thread) error
	ThreadExists(ctx context.Context, threadID string) (bool, error)
	RecentTurns(ctx context.Context, threadID string, limit int) ([]domain.Turn, error)
	AppendTurns(ctx context.Context, turns ...domain.Turn) error
	ListTurns(ctx context.Context, threadID string, limit, offset int) ([]domain.Turn, int, error)

	GetUserContext(ctx context.Context, threadID, userID string) (*domain.UserContext, error)
	UpsertUserContext(ctx context.Context, uc domain.UserContext) error

	Sweep(ctx context.Context, turnsBefore, contextsBefore time.Time) (SweepResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// SweepResult counts what a retention sweep removed.
type SweepResult struct {
	Turns    int
	Contexts int
}

// sortTurns orders turns by CreatedAt, then id, for a stable total order.
func sortTurns(turns []domain.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if !turns[i].CreatedAt.Equal(turns[j].CreatedAt) {
			return turns[i].CreatedAt.Before(turns[j].CreatedAt)
		}
		return turns[i].ID < turns[j].ID
	})
}

// page slices an ordered list. Offsets past the end yield an empty page.
func page(turns []domain.Turn, limit, offset int) []domain.Turn {
	if offset >= len(turns) {
		return []domain.Turn{}
	}
	end := len(turns)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]domain.Turn, end-offset)
	copy(out, turns[offset:end])
	return out
}

// tail returns the last limit turns of an ordered list.
func tail(turns []domain.Turn, limit int) []domain.Turn {
	if limit <= 0 || limit >= len(turns) {
		out := make([]domain.Turn, len(turns))
		copy(out, turns)
		return out
	}
	out := make([]domain.Turn, limit)
	copy(out, turns[len(turns)-limit:])
	return out
}

func validTurns(turns []domain.Turn) error {
	for _, t := range turns {
		if t.ThreadID == "" || t.ID == "" {
			return errors.New("repository: turn id and thread id are required")
		}
	}
	return nil
}
