package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/martinemde/modelgate/catalog"
	"github.com/martinemde/modelgate/config"
	"github.com/martinemde/modelgate/idempotency"
	"github.com/martinemde/modelgate/mcpserver"
	"github.com/martinemde/modelgate/provider"
	"github.com/martinemde/modelgate/schema"
	"github.com/martinemde/modelgate/toolserver"
)

// httpProvider is the catalog provider name served by the predictions API.
const httpProvider = "replicate"

// app holds the wired components for one command invocation.
type app struct {
	catalog  *catalog.Catalog
	client   *provider.Client
	store    *idempotency.Store
	registry *toolserver.Registry
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		loaded, err := catalog.LoadFile(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		cat = loaded
	}

	client := provider.NewClient(
		provider.WithRouter(cat.ProviderFor),
		provider.WithMiddleware(provider.LoggingMiddleware(logger)),
	)
	for _, name := range cat.Providers() {
		client.Register(newAdapter(cfg, logger, name))
	}

	store := idempotency.New(cfg.StoreOptions(logger)...)
	resolver := schema.NewResolver(client, cfg.ResolverOptions(logger)...)
	reg := toolserver.New(cat, client, store, resolver,
		toolserver.WithRetryPolicy(cfg.RetryPolicy()),
		toolserver.WithLogger(logger),
	)
	return &app{catalog: cat, client: client, store: store, registry: reg}, nil
}

func newAdapter(cfg *config.Config, logger *slog.Logger, name string) provider.Adapter {
	if name == httpProvider {
		opts := []provider.HTTPOption{
			provider.WithName(name),
			provider.WithPollInterval(cfg.PollInterval()),
			provider.WithHTTPLogger(logger),
		}
		if cfg.Provider.BaseURL != "" {
			opts = append(opts, provider.WithBaseURL(cfg.Provider.BaseURL))
		}
		if cfg.Provider.RatePerSecond > 0 {
			opts = append(opts, provider.WithRateLimit(cfg.Provider.RatePerSecond, cfg.Provider.Burst))
		}
		return provider.NewHTTPAdapter(cfg.Provider.APIToken, opts...)
	}

	var key string
	switch name {
	case "openai":
		key = cfg.Gollm.OpenAIAPIKey
	case "anthropic":
		key = cfg.Gollm.AnthropicAPIKey
	}
	return provider.NewGollmAdapter(name, key, provider.WithMaxTokens(cfg.Gollm.MaxTokens))
}

// start launches background maintenance bound to ctx.
func (a *app) start(ctx context.Context) {
	a.store.Start(ctx)
}

func (a *app) mcpServer(ctx context.Context, logger *slog.Logger) *mcpserver.Server {
	return mcpserver.New(ctx, a.registry,
		mcpserver.WithLogger(logger),
		mcpserver.WithImplementation("modelgate", version),
		mcpserver.WithInstructions("Each tool runs one catalog model. Pass _meta.idempotencyKey to make a call safe to repeat."),
	)
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.client.Close())
}
