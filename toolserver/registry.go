// Package toolserver exposes catalog models as tools. Each invocation runs
// through the idempotency store, the schema resolver and the retrying
// invoker, and every failure leaves as a normalized toolerr.Error.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/modelgate/catalog"
	"github.com/martinemde/modelgate/idempotency"
	"github.com/martinemde/modelgate/provider"
	"github.com/martinemde/modelgate/retry"
	"github.com/martinemde/modelgate/schema"
	"github.com/martinemde/modelgate/toolerr"
)

// Predictor runs predictions upstream. *provider.Client implements it.
type Predictor interface {
	Predict(ctx context.Context, req provider.Request) (*provider.Prediction, error)
}

// ToolInfo describes a tool to clients.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Model       string         `json:"model"`
}

// Registry binds tool names to catalog models and invokes them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]catalog.Model
	order []string

	catalog    *catalog.Catalog
	predictor  Predictor
	store      *idempotency.Store
	resolver   *schema.Resolver
	policy     retry.Policy
	normalizer *toolerr.Normalizer
	tracer     trace.Tracer
	logger     *slog.Logger
	newID      func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetryPolicy sets the policy for upstream calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithLogger sets the logger used by the registry and its normalizer.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer for invocation spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithRequestIDs sets the generator for request ids the caller omits.
func WithRequestIDs(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// New creates a registry with one tool per catalog model.
func New(cat *catalog.Catalog, predictor Predictor, store *idempotency.Store, resolver *schema.Resolver, opts ...Option) *Registry {
	r := &Registry{
		tools:     make(map[string]catalog.Model),
		catalog:   cat,
		predictor: predictor,
		store:     store,
		resolver:  resolver,
		policy:    retry.DefaultPolicy(),
		tracer:    otel.Tracer("github.com/martinemde/modelgate/toolserver"),
		logger:    slog.Default(),
		newID:     func() string { return "req_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.normalizer = toolerr.NewNormalizer(r.logger)
	for _, m := range cat.List("") {
		r.Register(m)
	}
	return r
}

// ToolName derives a tool name from a model id: lower case, with '/', '.',
// ':' and '-' replaced by '_' and runs of '_' collapsed.
func ToolName(modelID string) string {
	var b strings.Builder
	b.Grow(len(modelID))
	last := byte(0)
	for i := 0; i < len(modelID); i++ {
		c := modelID[i]
		switch {
		case c == '/' || c == '.' || c == ':' || c == '-' || c == '_':
			c = '_'
		case 'A' <= c && c <= 'Z':
			c += 'a' - 'A'
		}
		if c == '_' && last == '_' {
			continue
		}
		b.WriteByte(c)
		last = c
	}
	return strings.Trim(b.String(), "_")
}

// Register binds m under ToolName(m.ID). The first model bound to a name
// wins; later ones are logged and skipped.
func (r *Registry) Register(m catalog.Model) bool {
	name := ToolName(m.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, dup := r.tools[name]; dup {
		r.logger.Warn("tool name already bound, skipping model",
			"tool", name, "model", m.ID, "bound_model", prev.ID)
		return false
	}
	r.tools[name] = m
	r.order = append(r.order, name)
	return true
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the model bound to name.
func (r *Registry) Get(name string) (catalog.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tools[name]
	return m, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Catalog returns the catalog the registry was built from.
func (r *Registry) Catalog() *catalog.Catalog { return r.catalog }

// IdempotencyStats reports the idempotency store's size.
func (r *Registry) IdempotencyStats() idempotency.Stats { return r.store.Stats() }

// List describes every tool in registration order. Input schemas come from
// the catalog when it declares one and from the schema resolver otherwise.
func (r *Registry) List(ctx context.Context) []ToolInfo {
	r.mu.RLock()
	models := make([]catalog.Model, 0, len(r.order))
	for _, name := range r.order {
		models = append(models, r.tools[name])
	}
	r.mu.RUnlock()

	out := make([]ToolInfo, 0, len(models))
	for _, m := range models {
		out = append(out, ToolInfo{
			Name:        ToolName(m.ID),
			Description: describe(m),
			InputSchema: r.schemaFor(ctx, m),
			Model:       m.ID,
		})
	}
	return out
}

func (r *Registry) schemaFor(ctx context.Context, m catalog.Model) map[string]any {
	if m.InputSchema != nil {
		return m.InputSchema
	}
	return r.resolver.Resolve(ctx, m.ID)
}

func describe(m catalog.Model) string {
	desc := m.Description
	if desc == "" {
		desc = "Run " + m.ID + "."
	}
	if p := m.Pricing; p != nil {
		desc += fmt.Sprintf(" Model %s, %g %s per %s.", m.ID, p.Price, p.Currency, p.Unit)
	} else {
		desc += " Model " + m.ID + "."
	}
	return desc
}
