package toolserver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/modelgate/catalog"
	"github.com/martinemde/modelgate/provider"
	"github.com/martinemde/modelgate/retry"
	"github.com/martinemde/modelgate/schema"
	"github.com/martinemde/modelgate/toolerr"
)

// Span attribute keys.
const (
	AttrToolName       = "modelgate.tool.name"
	AttrModelID        = "modelgate.model.id"
	AttrRequestID      = "modelgate.request.id"
	AttrIdempotencyKey = "modelgate.idempotency.key_present"
	AttrCached         = "modelgate.idempotency.cached"
	AttrErrorType      = "error.type"
	AttrErrorCode      = "error.code"
)

// Call is one tool invocation.
type Call struct {
	Name           string
	Arguments      map[string]any
	IdempotencyKey string // optional
	RequestID      string // optional; generated when empty
}

// Result is a successful invocation. Prediction is shared by every replay
// under the same idempotency key and must not be modified.
type Result struct {
	RequestID  string
	Tool       string
	Model      string
	Prediction *provider.Prediction
	Cached     bool // served from the idempotency store
}

// Invoke runs the tool named in call. A non-nil error is always a
// *toolerr.Error carrying the request id. Unknown tools fail before the
// idempotency store or the provider is consulted.
func (r *Registry) Invoke(ctx context.Context, call Call) (*Result, error) {
	requestID := call.RequestID
	if requestID == "" {
		requestID = r.newID()
	}

	ctx, span := r.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String(AttrToolName, call.Name),
		attribute.String(AttrRequestID, requestID),
		attribute.Bool(AttrIdempotencyKey, call.IdempotencyKey != ""),
	))
	defer span.End()

	model, ok := r.Get(call.Name)
	if !ok {
		return nil, r.fail(span, toolerr.NotFound(fmt.Sprintf("unknown tool %q", call.Name)), requestID, call.Name)
	}
	span.SetAttributes(attribute.String(AttrModelID, model.ID))

	exec := func(ctx context.Context) (any, error) {
		pred, err := r.execute(ctx, model, call.Arguments, requestID)
		if err != nil {
			return nil, err
		}
		return pred, nil
	}

	var (
		out    any
		cached bool
		err    error
	)
	if call.IdempotencyKey != "" {
		fingerprint := map[string]any{"tool": call.Name, "arguments": call.Arguments}
		out, cached, err = r.store.Do(ctx, call.IdempotencyKey, fingerprint, exec)
	} else {
		out, err = exec(ctx)
	}
	if err != nil {
		return nil, r.fail(span, err, requestID, call.Name)
	}

	pred, ok := out.(*provider.Prediction)
	if !ok {
		return nil, r.fail(span, fmt.Errorf("unexpected stored response %T", out), requestID, call.Name)
	}
	span.SetAttributes(attribute.Bool(AttrCached, cached))
	span.SetStatus(codes.Ok, "")
	return &Result{
		RequestID:  requestID,
		Tool:       call.Name,
		Model:      model.ID,
		Prediction: pred,
		Cached:     cached,
	}, nil
}

// execute never panics: a panicking predictor becomes a classified error,
// whether or not the call goes through the idempotency store.
func (r *Registry) execute(ctx context.Context, m catalog.Model, args map[string]any, requestID string) (pred *provider.Prediction, err error) {
	defer func() {
		if v := recover(); v != nil {
			pred, err = nil, toolerr.Classify(v)
		}
	}()

	if problems := schema.Check(r.schemaFor(ctx, m), args); len(problems) > 0 {
		r.logger.DebugContext(ctx, "arguments do not match input schema",
			"model", m.ID, "request_id", requestID, "problems", problems)
	}

	policy := r.policy
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			r.logger.WarnContext(ctx, "retrying prediction",
				"model", m.ID, "request_id", requestID, "attempt", attempt, "delay", delay, "error", err)
		}
	}

	return retry.Do(ctx, policy, func(ctx context.Context) (*provider.Prediction, error) {
		return r.predictor.Predict(ctx, provider.Request{
			Model:     m.ID,
			Provider:  m.Provider,
			Input:     args,
			RequestID: requestID,
		})
	})
}

func (r *Registry) fail(span trace.Span, err error, requestID, tool string) error {
	e := r.normalizer.Normalize(err, requestID, "tool", tool)
	span.RecordError(e)
	span.SetStatus(codes.Error, e.Message)
	span.SetAttributes(
		attribute.String(AttrErrorType, string(e.Type)),
		attribute.String(AttrErrorCode, e.Code),
	)
	return e
}
