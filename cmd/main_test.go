package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"welfare-agent/internal/config"
	"welfare-agent/internal/domain"
	"welfare-agent/internal/repository"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New(), nil)
	require.NoError(t, err)
	cfg.Index.LocalPath = ""
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"serve", "lambda", "mcp", "sweep", "version"})
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestWireAppDefaults(t *testing.T) {
	a, err := wireApp(context.Background(), testConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.close()

	_, ok := a.store.(*repository.MemoryStore)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat/threads", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	metricsMux(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "welfare_http_request_duration_seconds")
}

func TestWireAppRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "mystery"
	_, err := wireApp(context.Background(), cfg, discardLogger())
	require.ErrorContains(t, err, "unknown llm provider")

	cfg = testConfig(t)
	cfg.Index.Backend = "mystery"
	_, err = wireApp(context.Background(), cfg, discardLogger())
	require.ErrorContains(t, err, "unknown index backend")
}

func TestOpenBackendWithoutURL(t *testing.T) {
	b, err := openBackend(testConfig(t))
	require.NoError(t, err)

	_, err = b.FetchSchemes(context.Background(), "tok", "u1")
	require.ErrorIs(t, err, errBackendNotConfigured)
	_, err = b.FetchRegistration(context.Background(), "tok", "u1")
	require.ErrorIs(t, err, errBackendNotConfigured)
	_, err = b.FetchRenewalDate(context.Background(), "tok", "u1")
	require.ErrorIs(t, err, errBackendNotConfigured)
	_, err = b.FetchSchemeDetail(context.Background(), "tok", domain.SchemeApplication{})
	require.ErrorIs(t, err, errBackendNotConfigured)
}

func TestRunSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.MessageDays = 1
	cfg.Retention.CacheDays = 1
	a, err := wireApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer a.close()

	ctx := context.Background()
	old := time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, a.store.CreateThread(ctx, domain.Thread{ID: "t1", CreatedAt: old}))
	require.NoError(t, a.store.AppendTurns(ctx,
		domain.Turn{ID: "m1", ThreadID: "t1", Role: domain.RoleUser, Content: "hi", CreatedAt: old},
		domain.Turn{ID: "m2", ThreadID: "t1", Role: domain.RoleAssistant, Content: "hello", CreatedAt: time.Now().UTC()},
	))

	res, err := runSweep(ctx, a, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, res.Turns)

	turns, total, err := a.store.ListTurns(ctx, "t1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "m2", turns[0].ID)
}

func TestRunSweepDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.MessageDays = 0
	cfg.Retention.CacheDays = 0
	a, err := wireApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer a.close()

	res, err := runSweep(context.Background(), a, time.Now())
	require.NoError(t, err)
	require.Zero(t, res)
}

func TestDays(t *testing.T) {
	require.Equal(t, 48*time.Hour, days(2))
	require.Zero(t, days(0))
}
