package provider

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// mockAdapter is a test double for Adapter.
type mockAdapter struct {
	name   string
	err    error
	schema map[string]any
	calls  int
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Predict(ctx context.Context, req Request) (*Prediction, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &Prediction{ID: "pred_" + m.name, Model: req.Model, Provider: req.Provider, Status: StatusSucceeded, CreatedAt: time.Now()}, nil
}

func (m *mockAdapter) FetchSchema(ctx context.Context, modelID string) (map[string]any, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.schema, nil
}

type closingAdapter struct {
	mockAdapter
	closed bool
}

func (c *closingAdapter) Close() error {
	c.closed = true
	return nil
}

func TestClientPredictSingleAdapterIsDefault(t *testing.T) {
	mock := &mockAdapter{name: "replicate"}
	client := NewClient(WithAdapter(mock))

	pred, err := client.Predict(context.Background(), Request{Model: "o/m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pred.Provider != "replicate" {
		t.Errorf("expected provider to be filled in, got %q", pred.Provider)
	}
}

func TestClientRoutesByModel(t *testing.T) {
	images := &mockAdapter{name: "replicate"}
	text := &mockAdapter{name: "openai"}
	client := NewClient(
		WithAdapter(images),
		WithAdapter(text),
		WithRouter(func(modelID string) string {
			if modelID == "openai/gpt-4o-mini" {
				return "openai"
			}
			return ""
		}),
		WithDefaultProvider("replicate"),
	)

	if _, err := client.Predict(context.Background(), Request{Model: "openai/gpt-4o-mini"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Predict(context.Background(), Request{Model: "o/m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text.calls != 1 || images.calls != 1 {
		t.Errorf("expected one call each, got openai=%d replicate=%d", text.calls, images.calls)
	}
}

func TestClientExplicitProviderWins(t *testing.T) {
	a := &mockAdapter{name: "a"}
	b := &mockAdapter{name: "b"}
	client := NewClient(WithAdapter(a), WithAdapter(b), WithDefaultProvider("a"))

	if _, err := client.Predict(context.Background(), Request{Model: "o/m", Provider: "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 1 || a.calls != 0 {
		t.Errorf("expected explicit provider b, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithAdapter(&mockAdapter{name: "a"}), WithAdapter(&mockAdapter{name: "b"}))
	if _, err := client.Predict(context.Background(), Request{Model: "o/m"}); err == nil {
		t.Fatal("expected error with no default provider")
	}
	if _, err := client.Predict(context.Background(), Request{Model: "o/m", Provider: "missing"}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Prediction, error)) (*Prediction, error) {
			order = append(order, tag+">")
			pred, err := next(ctx, req)
			order = append(order, "<"+tag)
			return pred, err
		}
	}
	client := NewClient(WithAdapter(&mockAdapter{name: "a"}), WithMiddleware(mw("1"), mw("2")))

	if _, err := client.Predict(context.Background(), Request{Model: "o/m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"1>", "2>", "<2", "<1"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestClientFetchSchema(t *testing.T) {
	schema := map[string]any{"type": "object"}
	client := NewClient(WithAdapter(&mockAdapter{name: "a", schema: schema}))

	got, err := client.FetchSchema(context.Background(), "o/m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["type"] != "object" {
		t.Errorf("unexpected schema %v", got)
	}
}

func TestClientRegisterAndClose(t *testing.T) {
	client := NewClient()
	c := &closingAdapter{mockAdapter: mockAdapter{name: "a"}}
	client.Register(c)

	if names := client.Providers(); len(names) != 1 || names[0] != "a" {
		t.Errorf("unexpected providers %v", names)
	}
	if _, err := client.Predict(context.Background(), Request{Model: "o/m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !c.closed {
		t.Error("expected adapter to be closed")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	upstream := errors.New("boom")
	client := NewClient(
		WithAdapter(&mockAdapter{name: "a", err: upstream}),
		WithMiddleware(LoggingMiddleware(logger)),
	)

	_, err := client.Predict(context.Background(), Request{Model: "o/m", RequestID: "req_1"})
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("request_id=req_1")) {
		t.Errorf("expected request id in log, got %q", buf.String())
	}
}
