package repository

import (
	"testing"
	"time"

	"github.com/jackc/pgtype"
	"github.com/stretchr/testify/require"

	"welfare-agent/internal/domain"
)

func TestTurnRow_RoundTripKeepsUTC(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	in := domain.Turn{
		ID:        "t1",
		ThreadID:  "th",
		Role:      domain.RoleAssistant,
		Content:   "hello",
		UserID:    "42",
		Language:  "hi",
		CreatedAt: time.Date(2025, 6, 1, 15, 30, 0, 0, ist),
	}
	row := newTurnRow(in)
	require.Equal(t, time.UTC, row.CreatedAt.Location())
	require.Zero(t, row.Seq)

	out := row.toDomain()
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Language, out.Language)
	require.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestUserContextRow_JSONB(t *testing.T) {
	uc := domain.UserContext{
		ThreadID:        "th",
		UserID:          "42",
		EligibleSchemes: []string{"Marriage Assistance"},
		FetchedAt:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	row, err := newUserContextRow(uc)
	require.NoError(t, err)
	require.Equal(t, pgtype.Present, row.Data.Status)
	require.Contains(t, string(row.Data.Bytes), `"eligibleSchemes":["Marriage Assistance"]`)

	got, err := row.toDomain()
	require.NoError(t, err)
	require.Equal(t, uc.EligibleSchemes, got.EligibleSchemes)
}

func TestUserContextRow_CorruptData(t *testing.T) {
	row := userContextRow{Data: pgtype.JSONB{Bytes: []byte("{"), Status: pgtype.Present}}
	_, err := row.toDomain()
	require.Error(t, err)
}

func TestPostgresTableNames(t *testing.T) {
	require.Equal(t, "chat_threads", threadRow{}.TableName())
	require.Equal(t, "chat_turns", turnRow{}.TableName())
	require.Equal(t, "user_contexts", userContextRow{}.TableName())
}
