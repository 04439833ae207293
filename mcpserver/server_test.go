package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/modelgate/catalog"
	"github.com/martinemde/modelgate/idempotency"
	"github.com/martinemde/modelgate/provider"
	"github.com/martinemde/modelgate/retry"
	"github.com/martinemde/modelgate/schema"
	"github.com/martinemde/modelgate/toolerr"
	"github.com/martinemde/modelgate/toolserver"
)

type countingPredictor struct {
	calls atomic.Int32
}

func (p *countingPredictor) Predict(ctx context.Context, req provider.Request) (*provider.Prediction, error) {
	n := p.calls.Add(1)
	if req.Input["fail"] == true {
		return nil, provider.ErrorFromStatusCode("replicate", 422, "bad input", "fail", 0)
	}
	return &provider.Prediction{
		ID:        "pred_" + string(rune('0'+n)),
		Model:     req.Model,
		Provider:  req.Provider,
		Status:    provider.StatusSucceeded,
		Output:    req.Input["prompt"],
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

type failingFetcher struct{}

func (failingFetcher) FetchSchema(context.Context, string) (map[string]any, error) {
	return nil, errors.New("offline")
}

func newTestServer(t *testing.T) (*Server, *countingPredictor) {
	t.Helper()
	cat, err := catalog.New([]catalog.Model{
		{ID: "openai/whisper", Provider: "replicate",
			Pricing: &catalog.Pricing{Unit: "second", Price: 0.0001, Currency: "USD"}},
		{ID: "acme/lister", Provider: "replicate", InputSchema: map[string]any{"type": "array"}},
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	p := &countingPredictor{}
	reg := toolserver.New(cat, p, idempotency.New(),
		schema.NewResolver(failingFetcher{}, schema.WithLogger(logger)),
		toolserver.WithLogger(logger),
		toolserver.WithRetryPolicy(retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2}),
	)
	return New(context.Background(), reg, WithLogger(logger), WithImplementation("modelgate-test", "v0")), p
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := s.MCP().Connect(ctx, serverT, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})
	return cs
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Tools, 2)

	whisper := res.Tools[0]
	assert.Equal(t, "openai_whisper", whisper.Name)
	assert.Contains(t, whisper.Description, "openai/whisper")

	schemaJSON, err := json.Marshal(whisper.InputSchema)
	require.NoError(t, err)
	assert.Contains(t, string(schemaJSON), `"audio"`, "fallback schema is used when fetching fails")

	lister := res.Tools[1]
	schemaJSON, err = json.Marshal(lister.InputSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object"}`, string(schemaJSON))
}

func TestCallToolReplaysUnderSameKey(t *testing.T) {
	s, p := newTestServer(t)
	cs := connect(t, s)
	ctx := context.Background()

	params := &mcp.CallToolParams{
		Name:      "openai_whisper",
		Arguments: map[string]any{"prompt": "hello"},
		Meta:      mcp.Meta{MetaIdempotencyKey: "k-1", MetaRequestID: "req_client"},
	}
	first, err := cs.CallTool(ctx, params)
	require.NoError(t, err)
	require.False(t, first.IsError, textOf(t, first))

	var pred provider.Prediction
	require.NoError(t, json.Unmarshal([]byte(textOf(t, first)), &pred))
	assert.Equal(t, "openai/whisper", pred.Model)
	assert.Equal(t, "hello", pred.Output)
	assert.Equal(t, "req_client", first.Meta[MetaRequestID])
	assert.Equal(t, false, first.Meta[MetaCached])

	second, err := cs.CallTool(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, textOf(t, first), textOf(t, second))
	assert.Equal(t, true, second.Meta[MetaCached])
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCallToolConflictIsToolError(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)
	ctx := context.Background()

	_, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "openai_whisper",
		Arguments: map[string]any{"prompt": "a"},
		Meta:      mcp.Meta{MetaIdempotencyKey: "k"},
	})
	require.NoError(t, err)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "openai_whisper",
		Arguments: map[string]any{"prompt": "b"},
		Meta:      mcp.Meta{MetaIdempotencyKey: "k", MetaRequestID: "req_2"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)

	var e toolerr.Error
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &e))
	assert.Equal(t, toolerr.RequestNotIdempotent, e.Type)
	assert.Equal(t, toolerr.CodeIdempotencyConflict, e.Code)
	assert.Equal(t, "req_2", e.RequestID)
}

func TestCallToolProviderValidationError(t *testing.T) {
	s, p := newTestServer(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "openai_whisper",
		Arguments: map[string]any{"fail": true},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)

	var e toolerr.Error
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &e))
	assert.Equal(t, toolerr.InvalidRequest, e.Type)
	assert.Equal(t, toolerr.CodeValidation, e.Code)
	assert.Equal(t, "fail", e.Param)
	assert.NotEmpty(t, e.RequestID)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCallToolRejectsNonObjectArguments(t *testing.T) {
	s, p := newTestServer(t)
	handler := s.callTool("openai_whisper")

	res, err := handler(context.Background(), &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Name:      "openai_whisper",
		Arguments: json.RawMessage(`[1, 2]`),
		Meta:      mcp.Meta{MetaRequestID: "req_bad"},
	}})
	require.NoError(t, err)
	require.True(t, res.IsError)

	var e toolerr.Error
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &e))
	assert.Equal(t, toolerr.InvalidRequest, e.Type)
	assert.Equal(t, toolerr.CodeTypeError, e.Code)
	assert.Equal(t, "req_bad", e.RequestID)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestDecodeArguments(t *testing.T) {
	for _, raw := range []string{"", "null", "{}"} {
		args, err := decodeArguments(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Empty(t, args)
	}
	args, err := decodeArguments(json.RawMessage(`{"prompt":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", args["prompt"])
}

func TestReadResources(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)
	ctx := context.Background()

	res, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: toolserver.PricingURI})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, jsonMIME, res.Contents[0].MIMEType)
	assert.JSONEq(t, `{"pricing":[{"model":"openai/whisper","unit":"second","price":0.0001,"currency":"USD"}]}`, res.Contents[0].Text)

	res, err = cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: toolserver.SchemaURI("openai/whisper")})
	require.NoError(t, err)
	assert.Contains(t, res.Contents[0].Text, `"prompt"`)

	templates, err := cs.ListResourceTemplates(ctx, nil)
	require.NoError(t, err)
	require.Len(t, templates.ResourceTemplates, 1)
	assert.Equal(t, toolserver.SchemaURITemplate, templates.ResourceTemplates[0].URITemplate)
}

func TestReadUnknownResource(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)

	for _, uri := range []string{
		toolserver.SchemaURI("acme/missing"),
		"modelgate://nothing",
	} {
		_, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: uri})
		var werr *jsonrpc.Error
		require.ErrorAs(t, err, &werr, uri)
		assert.Equal(t, int64(mcp.CodeResourceNotFound), werr.Code, uri)
	}
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newTestServer(t)
	h := s.NewHTTPHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status      string            `json:"status"`
		Tools       int               `json:"tools"`
		Idempotency idempotency.Stats `json:"idempotency"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Tools)
	assert.Equal(t, 0, body.Idempotency.Size)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
