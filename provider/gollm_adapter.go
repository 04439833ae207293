package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// generateFunc produces text for a prompt with one configured model.
type generateFunc func(ctx context.Context, prompt *gollm.Prompt) (string, error)

// GollmAdapter serves text models through gollm. One gollm.LLM is created
// per model on first use.
type GollmAdapter struct {
	provider string
	cfg      gollmAdapterConfig

	mu     sync.Mutex
	models map[string]generateFunc
	open   func(model string) (generateFunc, error)
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates an adapter for a gollm provider such as "openai"
// or "anthropic". If apiKey is empty, gollm reads it from the environment.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) *GollmAdapter {
	cfg := gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   1024,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &GollmAdapter{
		provider: provider,
		cfg:      cfg,
		models:   make(map[string]generateFunc),
	}
	a.open = a.newLLM
	return a
}

func (a *GollmAdapter) newLLM(model string) (generateFunc, error) {
	opts := []gollm.ConfigOption{
		gollm.SetProvider(a.provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(a.cfg.maxTokens),
		gollm.SetTemperature(a.cfg.temperature),
		gollm.SetMaxRetries(0), // retries happen in the retry package
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if a.cfg.apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(a.cfg.apiKey))
	}
	opts = append(opts, a.cfg.extraOpts...)

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for %s/%s: %w", a.provider, model, err)
	}
	return func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
		return llm.Generate(ctx, prompt)
	}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

func (a *GollmAdapter) generator(model string) (generateFunc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen, ok := a.models[model]; ok {
		return gen, nil
	}
	gen, err := a.open(model)
	if err != nil {
		return nil, err
	}
	a.models[model] = gen
	return gen, nil
}

// Predict generates text for the "prompt" input.
func (a *GollmAdapter) Predict(ctx context.Context, req Request) (*Prediction, error) {
	prompt, err := translateInput(req.Input)
	if err != nil {
		return nil, &Error{Provider: a.provider, StatusCode: 422, Kind: KindValidation, Message: err.Error(), Param: "prompt"}
	}

	gen, err := a.generator(modelName(req.Model))
	if err != nil {
		return nil, err
	}

	created := time.Now().UTC()
	text, err := gen(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	return &Prediction{
		ID:          "pred_" + uuid.New().String()[:8],
		Model:       req.Model,
		Provider:    a.provider,
		Status:      StatusSucceeded,
		Output:      text,
		CreatedAt:   created,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// FetchSchema returns the fixed text-generation input schema.
func (a *GollmAdapter) FetchSchema(context.Context, string) (map[string]any, error) {
	return TextInputSchema(), nil
}

// TextInputSchema is the input schema shared by every gollm-served model.
func TextInputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Text prompt for the model.",
			},
			"system_prompt": map[string]any{
				"type":        "string",
				"description": "Optional system instructions.",
			},
			"max_tokens": map[string]any{
				"type":        "integer",
				"description": "Upper bound on generated tokens.",
				"minimum":     1,
			},
		},
		"required": []any{"prompt"},
	}
}

func translateInput(input map[string]any) (*gollm.Prompt, error) {
	text, _ := input["prompt"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	var opts []gollm.PromptOption
	if sys, ok := input["system_prompt"].(string); ok && sys != "" {
		opts = append(opts, gollm.WithSystemPrompt(sys, gollm.CacheTypeEphemeral))
	}
	if n, ok := toPositiveInt(input["max_tokens"]); ok {
		opts = append(opts, gollm.WithMaxLength(n))
	}
	return gollm.NewPrompt(text, opts...), nil
}

func toPositiveInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n > 0
	case int64:
		return int(n), n > 0
	case float64:
		return int(n), n >= 1
	}
	return 0, false
}

// modelName strips the provider prefix from a catalog id ("openai/gpt-4o-mini").
func modelName(id string) string {
	if _, name, ok := strings.Cut(id, "/"); ok {
		return name
	}
	return id
}

// translateError converts a gollm error, which only carries text, into an
// Error with the status its message implies.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	status := 0
	kind := ""
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		// Durations such as "5000ms" would otherwise read as status codes.
		return &timeoutError{msg: msg, cause: err}
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		status, kind = 429, KindRateLimit
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		status, kind = 422, KindValidation
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") ||
		strings.Contains(lower, "internal server") || strings.Contains(lower, "overloaded"):
		status, kind = 503, KindUnavailable
	default:
		kind = KindUnknown
	}
	return &Error{Provider: a.provider, StatusCode: status, Kind: kind, Message: msg, Cause: err}
}

type timeoutError struct {
	msg   string
	cause error
}

func (e *timeoutError) Error() string { return e.msg }
func (e *timeoutError) Unwrap() error { return e.cause }
func (e *timeoutError) Timeout() bool { return true }
