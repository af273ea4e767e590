package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"
)

// echo records what reached the HTTP layer.
type echo struct {
	method string
	path   string
	query  map[string][]string
	header http.Header
	remote string
	body   string
}

func (e *echo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.method = r.Method
	e.path = r.URL.Path
	e.query = r.URL.Query()
	e.header = r.Header.Clone()
	e.remote = r.RemoteAddr
	b, _ := io.ReadAll(r.Body)
	e.body = string(b)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(correlationHeader, r.Header.Get(correlationHeader))
	w.Header().Add("Set-Cookie", "a=1")
	w.Header().Add("Set-Cookie", "b=2")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"threadId":"t-1"}`))
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/api/chat/threads",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_ForwardsRequest(t *testing.T) {
	e := &echo{}
	h, err := NewHandler(e)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hi"}`)
	event.QueryStringParameters = map[string]string{"limit": "5"}
	event.MultiValueQueryStringParameters = map[string][]string{"offset": {"10"}}
	event.RequestContext.Identity.SourceIP = "203.0.113.7"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "t-1", parseBody[map[string]string](t, resp.Body)["threadId"])

	require.Equal(t, http.MethodPost, e.method)
	require.Equal(t, "/api/chat/threads", e.path)
	require.Equal(t, []string{"5"}, e.query["limit"])
	require.Equal(t, []string{"10"}, e.query["offset"])
	require.Equal(t, "203.0.113.7:0", e.remote)
	require.Equal(t, `{"message":"hi"}`, e.body)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.Equal(t, []string{"a=1", "b=2"}, resp.MultiValueHeaders["Set-Cookie"])
}

func TestHandle_Base64Body(t *testing.T) {
	e := &echo{}
	h, err := NewHandler(e)
	require.NoError(t, err)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(`{"message":"ನಮಸ್ಕಾರ"}`)))
	event.IsBase64Encoded = true
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, `{"message":"ನಮಸ್ಕಾರ"}`, e.body)
}

func TestHandle_InvalidBase64(t *testing.T) {
	h, err := NewHandler(&echo{})
	require.NoError(t, err)

	event := makeEvent("%%%")
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "INVALID_INPUT", parseBody[map[string]string](t, resp.Body)["error"])
}

func TestHandle_UsesGatewayRequestIDAsCorrelation(t *testing.T) {
	h, err := NewHandler(&echo{})
	require.NoError(t, err)

	event := makeEvent(`{}`)
	event.RequestContext.RequestID = "gw-req-1"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "gw-req-1", resp.Headers[correlationHeader])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&echo{})
	require.NoError(t, err)

	event := makeEvent(`{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	event.RequestContext.RequestID = "gw-req-1"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}

func TestHandle_DefaultStatus(t *testing.T) {
	h, err := NewHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{Path: "/health"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Body)
}
