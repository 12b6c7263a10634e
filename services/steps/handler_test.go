package steps

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/workflows/pkg/clients/email"
	"github.com/flowforge/workflows/pkg/clients/httpx"
)

type fakeHTTPClient struct {
	resp *httpx.Response
	err  error
	got  httpx.Request
}

func (f *fakeHTTPClient) Do(ctx context.Context, r httpx.Request) (*httpx.Response, error) {
	f.got = r
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeEmailClient struct {
	got email.Message
}

func (f *fakeEmailClient) Send(ctx context.Context, msg email.Message) (*email.Result, error) {
	f.got = msg
	return &email.Result{MessageID: "test-1", Status: "queued"}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewDelayHandler())

	assert.True(t, reg.Has("delay"))
	assert.False(t, reg.Has("nonexistent"))

	h, ok := reg.Get("delay")
	require.True(t, ok)
	assert.Equal(t, "delay", h.Type())
}

func TestRegistry_Catalog(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewDelayHandler())
	reg.Register(NewTransformHandler())

	catalog := reg.Catalog()
	assert.Len(t, catalog, 2)
}

func TestValidateOutput_PassesThroughSmallOutput(t *testing.T) {
	h := NewDelayHandler()
	out, err := ValidateOutput(h, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestValidateOutput_TruncatesToContextFields(t *testing.T) {
	h := &DatabaseQueryHandler{Base: Base{MaxSize: 20, Fields: []string{"row_count"}}}
	out, err := ValidateOutput(h, map[string]any{
		"rows":      []map[string]any{{"a": strings.Repeat("x", 50)}},
		"row_count": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"row_count": float64(1)}, normalizeInts(out))
}

func TestValidateOutput_ErrorsWhenNoFieldsConfigured(t *testing.T) {
	h := &DatabaseQueryHandler{Base: Base{MaxSize: 10}}
	_, err := ValidateOutput(h, map[string]any{"rows": strings.Repeat("x", 50)})
	assert.Error(t, err)
}

func TestHTTPRequestHandler_Success(t *testing.T) {
	client := &fakeHTTPClient{resp: &httpx.Response{StatusCode: 200, Body: map[string]any{"ok": true}}}
	h := NewHTTPRequestHandler(client)

	out, err := h.Execute(context.Background(), map[string]any{
		"url":    "https://example.com/api",
		"method": "post",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "POST", client.got.Method)
	assert.Equal(t, 200, out["status_code"])
}

func TestHTTPRequestHandler_MissingURL(t *testing.T) {
	h := NewHTTPRequestHandler(&fakeHTTPClient{})
	_, err := h.Execute(context.Background(), map[string]any{}, nil)
	assert.Error(t, err)
}

func TestHTTPRequestHandler_UpstreamErrorStatus(t *testing.T) {
	client := &fakeHTTPClient{resp: &httpx.Response{StatusCode: 500}}
	h := NewHTTPRequestHandler(client)
	_, err := h.Execute(context.Background(), map[string]any{"url": "https://example.com"}, nil)
	assert.Error(t, err)
}

func TestWebhookHandler_Success(t *testing.T) {
	client := &fakeHTTPClient{resp: &httpx.Response{StatusCode: 202}}
	h := NewWebhookHandler(client)

	out, err := h.Execute(context.Background(), map[string]any{
		"url":     "https://example.com/hook",
		"payload": map[string]any{"event": "run.completed"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "POST", client.got.Method)
	assert.Equal(t, 202, out["status_code"])
}

func TestDelayHandler_Execute(t *testing.T) {
	h := NewDelayHandler()
	start := time.Now()
	out, err := h.Execute(context.Background(), map[string]any{"seconds": 0.01}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 0.01, out["delayed_seconds"])
}

func TestDelayHandler_HonorsCancellation(t *testing.T) {
	h := NewDelayHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Execute(ctx, map[string]any{"seconds": 5}, nil)
	assert.Error(t, err)
}

func TestTransformHandler_ResolvesMapping(t *testing.T) {
	h := NewTransformHandler()
	runContext := map[string]any{"input": map[string]any{"name": "ana"}}

	out, err := h.Execute(context.Background(), map[string]any{
		"mapping": map[string]any{"greeting": "Hi {{input.name}}"},
	}, runContext)
	require.NoError(t, err)
	assert.Equal(t, "Hi ana", out["greeting"])
}

func TestSendEmailHandler_Success(t *testing.T) {
	client := &fakeEmailClient{}
	h := NewSendEmailHandler(client)

	out, err := h.Execute(context.Background(), map[string]any{
		"to":      "a@example.com",
		"subject": "hi",
		"body":    "hello",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, client.got.To)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "test-1", out["message_id"])
}

func TestSendEmailHandler_MissingTo(t *testing.T) {
	h := NewSendEmailHandler(&fakeEmailClient{})
	_, err := h.Execute(context.Background(), map[string]any{"subject": "hi"}, nil)
	assert.Error(t, err)
}

type fakeQuerier struct {
	rows []map[string]any
	err  error
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args []any) ([]map[string]any, error) {
	return f.rows, f.err
}

func TestDatabaseQueryHandler_Success(t *testing.T) {
	querier := &fakeQuerier{rows: []map[string]any{{"id": 1}}}
	h := NewDatabaseQueryHandler(querier)

	out, err := h.Execute(context.Background(), map[string]any{"query": "select 1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out["row_count"])
}

func TestDatabaseQueryHandler_NoQuerierConfigured(t *testing.T) {
	h := NewDatabaseQueryHandler(nil)
	_, err := h.Execute(context.Background(), map[string]any{"query": "select 1"}, nil)
	assert.Error(t, err)
}

func TestLLMCallHandler_Success(t *testing.T) {
	h := NewLLMCallHandler(StubLLMClient{})
	out, err := h.Execute(context.Background(), map[string]any{"prompt": "hello"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out["text"], "hello")
}

func TestInlineCodeHandler_EchoesConfig(t *testing.T) {
	h := NewInlineCodeHandler()
	out, err := h.Execute(context.Background(), map[string]any{"code": "return 1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"code": "return 1"}, out["input"])
}

func normalizeInts(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if i, ok := v.(int); ok {
			out[k] = float64(i)
			continue
		}
		out[k] = v
	}
	return out
}
