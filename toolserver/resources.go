package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/modelgate/catalog"
	"github.com/martinemde/modelgate/toolerr"
)

// Resource URIs.
const (
	CatalogURI        = "modelgate://catalog"
	PricingURI        = "modelgate://pricing"
	SchemaURITemplate = "modelgate://models/{owner}/{name}/schema"

	schemaURIPrefix = "modelgate://models/"
	schemaURISuffix = "/schema"
)

// SchemaURI returns the schema resource URI for modelID.
func SchemaURI(modelID string) string {
	return schemaURIPrefix + modelID + schemaURISuffix
}

type catalogEntry struct {
	Tool string `json:"tool"`
	catalog.Model
}

// ReadResource returns the JSON document at uri. A non-nil error is always a
// *toolerr.Error; unknown URIs are invalid_request/not_found.
func (r *Registry) ReadResource(ctx context.Context, uri string) ([]byte, error) {
	var doc any
	switch {
	case uri == CatalogURI:
		models := r.catalog.List("")
		entries := make([]catalogEntry, 0, len(models))
		for _, m := range models {
			entries = append(entries, catalogEntry{Tool: ToolName(m.ID), Model: m})
		}
		doc = map[string]any{"models": entries}
	case uri == PricingURI:
		doc = map[string]any{"pricing": r.catalog.Pricing()}
	case strings.HasPrefix(uri, schemaURIPrefix) && strings.HasSuffix(uri, schemaURISuffix):
		id := strings.TrimSuffix(strings.TrimPrefix(uri, schemaURIPrefix), schemaURISuffix)
		m, ok := r.catalog.Get(id)
		if !ok || m.ID != id {
			return nil, r.normalizer.Normalize(toolerr.NotFound(fmt.Sprintf("unknown model %q", id)), "", "resource", uri)
		}
		doc = r.schemaFor(ctx, m)
	default:
		return nil, r.normalizer.Normalize(toolerr.NotFound(fmt.Sprintf("unknown resource %q", uri)), "", "resource", uri)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, r.normalizer.Normalize(err, "", "resource", uri)
	}
	return data, nil
}
