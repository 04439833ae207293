package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public predictions API.
	DefaultBaseURL = "https://api.replicate.com/v1"

	defaultPollInterval = time.Second
	maxErrorBody        = 1 << 20
)

// HTTPAdapter calls a hosted predictions API over HTTP. Predictions are
// created with "Prefer: wait" and polled until terminal when the server
// returns before completion.
type HTTPAdapter struct {
	name         string
	baseURL      string
	token        string
	client       *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	logger       *slog.Logger
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) HTTPOption {
	return func(a *HTTPAdapter) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if c != nil {
			a.client = c
		}
	}
}

// WithRateLimit limits outgoing requests to perSecond with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(a *HTTPAdapter) {
		if perSecond <= 0 {
			a.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithName overrides the adapter name ("replicate").
func WithName(name string) HTTPOption {
	return func(a *HTTPAdapter) {
		if name != "" {
			a.name = name
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(a *HTTPAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewHTTPAdapter creates an adapter authenticating with token.
func NewHTTPAdapter(token string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		name:         "replicate",
		baseURL:      DefaultBaseURL,
		token:        token,
		client:       &http.Client{Timeout: 5 * time.Minute},
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *HTTPAdapter) Name() string { return a.name }

type predictionBody struct {
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	Version     string         `json:"version"`
	Status      string         `json:"status"`
	Output      any            `json:"output"`
	Error       any            `json:"error"`
	Metrics     map[string]any `json:"metrics"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	URLs        struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Predict creates a prediction and waits for it to finish.
func (a *HTTPAdapter) Predict(ctx context.Context, req Request) (*Prediction, error) {
	owner, name, version, err := splitModelID(req.Model)
	if err != nil {
		return nil, &Error{Provider: a.name, StatusCode: http.StatusBadRequest, Kind: KindValidation, Message: err.Error(), Cause: err}
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	endpoint := fmt.Sprintf("%s/models/%s/%s/predictions", a.baseURL, owner, name)
	payload := map[string]any{"input": input}
	if version != "" {
		endpoint = a.baseURL + "/predictions"
		payload["version"] = version
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode prediction input: %w", err)
	}

	var pb predictionBody
	if err := a.do(ctx, http.MethodPost, endpoint, body, map[string]string{"Prefer": "wait"}, &pb); err != nil {
		return nil, err
	}

	for !Terminal(pb.Status) {
		a.logger.DebugContext(ctx, "polling prediction", "prediction_id", pb.ID, "status", pb.Status)
		timer := time.NewTimer(a.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		get := pb.URLs.Get
		if get == "" {
			get = fmt.Sprintf("%s/predictions/%s", a.baseURL, pb.ID)
		}
		if err := a.do(ctx, http.MethodGet, get, nil, nil, &pb); err != nil {
			return nil, err
		}
	}

	switch pb.Status {
	case StatusFailed:
		return nil, &Error{Provider: a.name, Kind: KindUnknown, Message: predictionError(pb.Error)}
	case StatusCanceled:
		return nil, &Error{Provider: a.name, Kind: KindUnavailable, Message: "prediction was canceled upstream"}
	}

	pred := &Prediction{
		ID:        pb.ID,
		Model:     req.Model,
		Provider:  a.name,
		Status:    pb.Status,
		Output:    pb.Output,
		Metrics:   pb.Metrics,
		CreatedAt: pb.CreatedAt,
	}
	if pb.CompletedAt != nil {
		pred.CompletedAt = *pb.CompletedAt
	}
	return pred, nil
}

// FetchSchema reads the input schema of the model's latest version.
func (a *HTTPAdapter) FetchSchema(ctx context.Context, modelID string) (map[string]any, error) {
	owner, name, _, err := splitModelID(modelID)
	if err != nil {
		return nil, err
	}
	var body struct {
		LatestVersion *struct {
			OpenAPISchema struct {
				Components struct {
					Schemas map[string]map[string]any `json:"schemas"`
				} `json:"components"`
			} `json:"openapi_schema"`
		} `json:"latest_version"`
	}
	if err := a.do(ctx, http.MethodGet, fmt.Sprintf("%s/models/%s/%s", a.baseURL, owner, name), nil, nil, &body); err != nil {
		return nil, err
	}
	if body.LatestVersion == nil {
		return nil, fmt.Errorf("model %s has no published version", modelID)
	}
	input, ok := body.LatestVersion.OpenAPISchema.Components.Schemas["Input"]
	if !ok {
		return nil, fmt.Errorf("model %s publishes no input schema", modelID)
	}
	return input, nil
}

func (a *HTTPAdapter) do(ctx context.Context, method, url string, body []byte, headers map[string]string, out any) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("rate limiter: %w", ctxErr)
			}
			// Wait refuses early when the deadline is too close for a token.
			return &timeoutError{msg: "rate limiter: " + err.Error(), cause: err}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return a.readError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}

// problem is the upstream error document.
type problem struct {
	Title         string `json:"title"`
	Detail        string `json:"detail"`
	Status        int    `json:"status"`
	InvalidFields []struct {
		Field       string `json:"field"`
		Description string `json:"description"`
	} `json:"invalid_fields"`
}

func (a *HTTPAdapter) readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var p problem
	_ = json.Unmarshal(raw, &p)

	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	param := ""
	if len(p.InvalidFields) > 0 {
		param = p.InvalidFields[0].Field
		if msg == "" {
			msg = p.InvalidFields[0].Description
		}
	}
	return ErrorFromStatusCode(a.name, resp.StatusCode, msg, param, parseRetryAfter(resp.Header.Get("Retry-After")))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func predictionError(v any) string {
	switch e := v.(type) {
	case nil:
		return "prediction failed"
	case string:
		return e
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return "prediction failed"
		}
		return string(b)
	}
}

var errModelID = errors.New(`model id must look like "owner/name" or "owner/name:version"`)

func splitModelID(id string) (owner, name, version string, err error) {
	ref, version, _ := strings.Cut(id, ":")
	owner, name, ok := strings.Cut(ref, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", "", fmt.Errorf("%w: %q", errModelID, id)
	}
	return owner, name, version, nil
}
