// Package mcpserver serves a toolserver.Registry over the Model Context
// Protocol. Tools map one to one onto registry tools, and the catalog,
// pricing and per-model schema documents are exposed as resources.
//
// Clients pass the idempotency key and request id in the call's _meta:
//
//	{"name": "openai_whisper", "arguments": {...},
//	 "_meta": {"idempotencyKey": "k-123", "requestId": "req_abc"}}
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/martinemde/modelgate/toolerr"
	"github.com/martinemde/modelgate/toolserver"
)

// Keys read from a tool call's _meta.
const (
	MetaIdempotencyKey = "idempotencyKey"
	MetaRequestID      = "requestId"
	MetaCached         = "cached"
)

const jsonMIME = "application/json"

// Server binds a registry to an MCP server.
type Server struct {
	reg        *toolserver.Registry
	mcp        *mcp.Server
	logger     *slog.Logger
	normalizer *toolerr.Normalizer

	name         string
	version      string
	instructions string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server and the MCP session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithImplementation sets the name and version reported to clients.
func WithImplementation(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// WithInstructions sets the instructions sent to clients on initialize.
func WithInstructions(text string) Option {
	return func(s *Server) {
		s.instructions = text
	}
}

// New creates an MCP server exposing every tool in reg. Input schemas are
// resolved once, here, using ctx.
func New(ctx context.Context, reg *toolserver.Registry, opts ...Option) *Server {
	s := &Server{
		reg:     reg,
		logger:  slog.Default(),
		name:    "modelgate",
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.normalizer = toolerr.NewNormalizer(s.logger)
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: s.name, Version: s.version}, &mcp.ServerOptions{
		Logger:       s.logger,
		Instructions: s.instructions,
	})

	for _, tool := range reg.List(ctx) {
		s.mcp.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: objectSchema(tool.InputSchema),
		}, s.callTool(tool.Name))
	}

	s.mcp.AddResource(&mcp.Resource{
		URI:         toolserver.CatalogURI,
		Name:        "catalog",
		Description: "Every model in the catalog with its tool name.",
		MIMEType:    jsonMIME,
	}, s.readResource)
	s.mcp.AddResource(&mcp.Resource{
		URI:         toolserver.PricingURI,
		Name:        "pricing",
		Description: "Per-call pricing of catalog models.",
		MIMEType:    jsonMIME,
	}, s.readResource)
	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: toolserver.SchemaURITemplate,
		Name:        "model-schema",
		Description: "Input schema of a catalog model.",
		MIMEType:    jsonMIME,
	}, s.readResource)

	return s
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves a single session over t until the client disconnects or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.mcp.Run(ctx, t)
}

// objectSchema returns schema when it describes an object and an open
// object schema otherwise. MCP requires tool inputs to be objects.
func objectSchema(schema map[string]any) map[string]any {
	if schema != nil && schema["type"] == "object" {
		return schema
	}
	return map[string]any{"type": "object"}
}

func (s *Server) callTool(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		call := toolserver.Call{Name: name}
		var raw json.RawMessage
		if p := req.Params; p != nil {
			meta := p.GetMeta()
			call.IdempotencyKey = metaString(meta, MetaIdempotencyKey)
			call.RequestID = metaString(meta, MetaRequestID)
			raw = p.Arguments
		}

		args, err := decodeArguments(raw)
		if err != nil {
			return errorResult(s.normalizer.Normalize(err, call.RequestID, "tool", name)), nil
		}
		call.Arguments = args

		res, err := s.reg.Invoke(ctx, call)
		if err != nil {
			e, ok := toolerr.As(err)
			if !ok {
				e = s.normalizer.Normalize(err, call.RequestID, "tool", name)
			}
			return errorResult(e), nil
		}

		text, err := json.Marshal(res.Prediction)
		if err != nil {
			return errorResult(s.normalizer.Normalize(err, res.RequestID, "tool", name)), nil
		}
		return &mcp.CallToolResult{
			Meta: mcp.Meta{
				MetaRequestID: res.RequestID,
				MetaCached:    res.Cached,
			},
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		}, nil
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func metaString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}

func errorResult(e *toolerr.Error) *mcp.CallToolResult {
	text, err := json.Marshal(e)
	if err != nil {
		text = []byte(e.Error())
	}
	res := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
	}
	if e.RequestID != "" {
		res.Meta = mcp.Meta{MetaRequestID: e.RequestID}
	}
	return res
}

func (s *Server) readResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	data, err := s.reg.ReadResource(ctx, uri)
	if err != nil {
		if e, ok := toolerr.As(err); ok && e.Code == toolerr.CodeNotFound {
			return nil, mcp.ResourceNotFoundError(uri)
		}
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: jsonMIME, Text: string(data)}},
	}, nil
}
