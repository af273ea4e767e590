package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"welfare-agent/internal/domain"
)

// storeFactories lists every backend the shared behaviour runs against.
// Postgres joins only when WELFARE_TEST_POSTGRES_DSN is set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"badger-in-memory": func(t *testing.T) Store {
			s, err := NewBadgerStore("")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("WELFARE_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(dsn, false)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newThread(t *testing.T, s Store) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.CreateThread(context.Background(), domain.Thread{ID: id, CreatedAt: baseTime}))
	return id
}

func turnAt(threadID, role, content string, offset time.Duration) domain.Turn {
	return domain.Turn{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		UserID:    "1001",
		Language:  "en",
		CreatedAt: baseTime.Add(offset),
	}
}

func contents(turns []domain.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestStore_Threads(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			id := newThread(t, s)

			ok, err := s.ThreadExists(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = s.ThreadExists(ctx, uuid.NewString())
			require.NoError(t, err)
			require.False(t, ok)

			err = s.CreateThread(ctx, domain.Thread{ID: id, CreatedAt: baseTime})
			require.ErrorIs(t, err, ErrThreadExists)
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStore_TurnsOrderedAndPaged(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			id := newThread(t, s)
			other := newThread(t, s)

			// Written out of order on purpose.
			require.NoError(t, s.AppendTurns(ctx,
				turnAt(id, domain.RoleUser, "q2", 2*time.Second),
				turnAt(id, domain.RoleAssistant, "a2", 2*time.Second+time.Microsecond),
			))
			require.NoError(t, s.AppendTurns(ctx,
				turnAt(id, domain.RoleUser, "q1", 0),
				turnAt(id, domain.RoleAssistant, "a1", time.Microsecond),
			))
			require.NoError(t, s.AppendTurns(ctx, turnAt(other, domain.RoleUser, "elsewhere", 0)))

			recent, err := s.RecentTurns(ctx, id, 3)
			require.NoError(t, err)
			require.Equal(t, []string{"a1", "q2", "a2"}, contents(recent))

			all, total, err := s.ListTurns(ctx, id, 50, 0)
			require.NoError(t, err)
			require.Equal(t, 4, total)
			require.Equal(t, []string{"q1", "a1", "q2", "a2"}, contents(all))
			require.Equal(t, "1001", all[0].UserID)
			require.True(t, all[0].CreatedAt.Equal(baseTime))

			pg, total, err := s.ListTurns(ctx, id, 2, 1)
			require.NoError(t, err)
			require.Equal(t, 4, total)
			require.Equal(t, []string{"a1", "q2"}, contents(pg))

			pg, total, err = s.ListTurns(ctx, id, 10, 9)
			require.NoError(t, err)
			require.Equal(t, 4, total)
			require.Empty(t, pg)

			empty, total, err := s.ListTurns(ctx, uuid.NewString(), 10, 0)
			require.NoError(t, err)
			require.Zero(t, total)
			require.Empty(t, empty)
		})
	}
}

func TestStore_AppendRejectsInvalidTurns(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			err := s.AppendTurns(context.Background(), domain.Turn{Content: "orphan"})
			require.Error(t, err)
		})
	}
}

func TestStore_UserContext(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			id := newThread(t, s)

			got, err := s.GetUserContext(ctx, id, "1001")
			require.NoError(t, err)
			require.Nil(t, got)

			uc := domain.UserContext{
				ThreadID:    id,
				UserID:      "1001",
				RenewalDate: "2026-01-31",
				Schemes: []domain.SchemeApplication{
					{SchemeID: "7", Name: "Education Assistance", Status: "Approved"},
				},
				Unavailable: []string{domain.LookupRegistration},
				FetchedAt:   baseTime,
			}
			require.NoError(t, s.UpsertUserContext(ctx, uc))

			uc.RenewalDate = "2026-02-28"
			uc.FetchedAt = baseTime.Add(time.Hour)
			require.NoError(t, s.UpsertUserContext(ctx, uc))

			got, err = s.GetUserContext(ctx, id, "1001")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "2026-02-28", got.RenewalDate)
			require.Equal(t, "Education Assistance", got.Schemes[0].Name)
			require.False(t, got.Available(domain.LookupRegistration))
			require.True(t, got.FetchedAt.Equal(baseTime.Add(time.Hour)))

			got, err = s.GetUserContext(ctx, id, "2002")
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestStore_Sweep(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			id := newThread(t, s)

			require.NoError(t, s.AppendTurns(ctx,
				turnAt(id, domain.RoleUser, "old", 0),
				turnAt(id, domain.RoleUser, "new", 48*time.Hour),
			))
			require.NoError(t, s.UpsertUserContext(ctx, domain.UserContext{ThreadID: id, UserID: "a", FetchedAt: baseTime}))
			require.NoError(t, s.UpsertUserContext(ctx, domain.UserContext{ThreadID: id, UserID: "b", FetchedAt: baseTime.Add(48 * time.Hour)}))

			cutoff := baseTime.Add(24 * time.Hour)
			res, err := s.Sweep(ctx, cutoff, cutoff)
			require.NoError(t, err)
			require.Equal(t, SweepResult{Turns: 1, Contexts: 1}, res)

			left, total, err := s.ListTurns(ctx, id, 10, 0)
			require.NoError(t, err)
			require.Equal(t, 1, total)
			require.Equal(t, []string{"new"}, contents(left))

			gone, err := s.GetUserContext(ctx, id, "a")
			require.NoError(t, err)
			require.Nil(t, gone)

			res, err = s.Sweep(ctx, time.Time{}, time.Time{})
			require.NoError(t, err)
			require.Zero(t, res)
		})
	}
}

func TestPage(t *testing.T) {
	turns := []domain.Turn{{Content: "a"}, {Content: "b"}, {Content: "c"}}

	require.Equal(t, []string{"a", "b", "c"}, contents(page(turns, 0, 0)))
	require.Equal(t, []string{"b"}, contents(page(turns, 1, 1)))
	require.Equal(t, []string{"c"}, contents(page(turns, 5, 2)))
	require.Empty(t, page(turns, 5, 3))
}

func TestTail(t *testing.T) {
	turns := []domain.Turn{{Content: "a"}, {Content: "b"}, {Content: "c"}}

	require.Equal(t, []string{"b", "c"}, contents(tail(turns, 2)))
	require.Equal(t, []string{"a", "b", "c"}, contents(tail(turns, 10)))
	require.Equal(t, []string{"a", "b", "c"}, contents(tail(turns, 0)))
}

func TestSortTurns_TieBreaksOnID(t *testing.T) {
	turns := []domain.Turn{
		{ID: "b", CreatedAt: baseTime},
		{ID: "a", CreatedAt: baseTime},
		{ID: "c", CreatedAt: baseTime.Add(-time.Second)},
	}
	sortTurns(turns)
	require.Equal(t, "c", turns[0].ID)
	require.Equal(t, "a", turns[1].ID)
	require.Equal(t, "b", turns[2].ID)
}
