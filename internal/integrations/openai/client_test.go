package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"welfare-agent/internal/domain"
)

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_EmptyModel(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestNewClient_NilGetterWithParam(t *testing.T) {
	_, err := NewClient("gpt-4o-mini", WithParamStore(nil, "/welfare-agent/open-ai-token"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("gpt-4o-mini")
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, defaultEmbedModel, c.embedModel)
}

func TestBaseURLWithSlash(t *testing.T) {
	require.Equal(t, "http://localhost:8000/v1/", baseURLWithSlash("http://localhost:8000/v1"))
	require.Equal(t, "http://localhost:8000/v1/", baseURLWithSlash("http://localhost:8000/v1/"))
}

// ---------------------------------------------------------------------------
// resolveAPIKey and SSM caching
// ---------------------------------------------------------------------------

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestClient_KeyFetchedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-from-ssm", r.Header.Get("Authorization"))
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	calls := 0
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`, onCall: func() { calls++ }}
	c, err := NewClient("gpt-4o-mini", WithBaseURL(srv.URL+"/v1"), WithParamStore(g, "/welfare-agent/open-ai-token"))
	require.NoError(t, err)

	for range 3 {
		_, err := c.Generate(context.Background(), domain.GenerateRequest{})
		require.NoError(t, err)
	}
	require.Equal(t, 1, calls, "SSM must only be called once per process lifetime")
}

func TestClient_KeyFetchFailureIsSticky(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient("gpt-4o-mini", WithParamStore(g, "/welfare-agent/open-ai-token"))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), domain.GenerateRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")

	err = c.Ping(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestResolveAPIKey_EnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	c, err := NewClient("gpt-4o-mini")
	require.NoError(t, err)
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-env", key)
}

func TestResolveAPIKey_ExplicitWins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	c, err := NewClient("gpt-4o-mini", WithAPIKey("sk-explicit"), WithParamStore(&fakeGetter{val: `{"token":"sk-ssm"}`}, "/p"))
	require.NoError(t, err)
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-explicit", key)
}

func TestFetchAPIKey_JSONToken(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-json"}`}
	key, err := fetchAPIKeyFromParamStore(context.Background(), g, "/welfare-agent/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)
}

func TestFetchAPIKey_JSONMissingTokenField(t *testing.T) {
	g := &fakeGetter{val: `{"other":"value"}`}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/welfare-agent/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "API token is empty")
}

func TestFetchAPIKey_MalformedJSON(t *testing.T) {
	g := &fakeGetter{val: `{"broken`}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/welfare-agent/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}

func TestFetchAPIKey_EmptyName(t *testing.T) {
	_, err := fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

// ---------------------------------------------------------------------------
// Client.Generate / Client.GenerateStream
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		"gpt-4o-mini",
		WithAPIKey("sk-test"),
		WithBaseURL(srv.URL+"/v1"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"finish_reason": "stop",
			"message": {"role": "assistant", "content": `+jsonString(content)+`}
		}]
	}`)
}

func writeChunk(w io.Writer, content string) {
	_, _ = io.WriteString(w, `data: {"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":`+jsonString(content)+`}}]}`+"\n\n")
}

func TestClient_Generate_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-mini", body["model"])
		require.InDelta(t, 0.3, body["temperature"], 1e-9)
		require.InDelta(t, 512, body["max_completion_tokens"], 1e-9)
		msgs, ok := body["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 3)
		require.Equal(t, "system", msgs[0].(map[string]any)["role"])
		require.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
		require.Equal(t, "user", msgs[2].(map[string]any)["role"])

		writeCompletion(w, "Hello from mock")
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv).Generate(context.Background(), domain.GenerateRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "policy"},
			{Role: domain.RoleAssistant, Content: "earlier"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		Sampling: domain.Sampling{Temperature: 0.3, MaxTokens: 512},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello from mock", out)
}

func TestClient_Generate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Generate(context.Background(), domain.GenerateRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Generate_500NotRetried(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(500)
		_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Generate(context.Background(), domain.GenerateRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
	require.Equal(t, 1, hits)
}

func TestClient_GenerateStream_OrderedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Visit ", "the ", "board."} {
			writeChunk(w, piece)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var got []string
	err := newTestClient(t, srv).GenerateStream(context.Background(), domain.GenerateRequest{}, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "Visit the board.", strings.Join(got, ""))
}

func TestClient_GenerateStream_CallbackErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "a")
		writeChunk(w, "b")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	stop := errors.New("consumer gone")
	calls := 0
	err := newTestClient(t, srv).GenerateStream(context.Background(), domain.GenerateRequest{}, func(string) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

// ---------------------------------------------------------------------------
// Client.Embed / Client.Ping
// ---------------------------------------------------------------------------

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, defaultEmbedModel, body["model"])
		require.Equal(t, "pension scheme", body["input"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`)
	}))
	defer srv.Close()

	vec, err := newTestClient(t, srv).Embed(context.Background(), "pension scheme")
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestClient_Embed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"m","data":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Embed(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty embedding")
}

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).Ping(context.Background()))
}
