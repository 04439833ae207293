// Package catalog holds the generation models exposed as tools.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pricing is the per-call price of a model.
type Pricing struct {
	Unit     string  `json:"unit" yaml:"unit"`         // e.g. "image", "second", "1k_tokens"
	Price    float64 `json:"price" yaml:"price"`       // in Currency per Unit
	Currency string  `json:"currency" yaml:"currency"` // ISO 4217
}

// Model describes a catalog entry.
type Model struct {
	ID          string         `json:"id" yaml:"id"`
	Owner       string         `json:"owner" yaml:"owner"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Provider    string         `json:"provider" yaml:"provider"`
	Pricing     *Pricing       `json:"pricing,omitempty" yaml:"pricing,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty" yaml:"input_schema,omitempty"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Aliases     []string       `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

func usd(unit string, price float64) *Pricing {
	return &Pricing{Unit: unit, Price: price, Currency: "USD"}
}

// Models is the built-in catalog.
var Models = []Model{
	// Image
	{
		ID: "black-forest-labs/flux-schnell", Provider: "replicate",
		Description: "Fast text-to-image generation with FLUX.1 [schnell].",
		Pricing:     usd("image", 0.003),
		Tags:        []string{"image", "text-to-image"},
		Aliases:     []string{"flux-schnell"},
	},
	{
		ID: "black-forest-labs/flux-dev", Provider: "replicate",
		Description: "High quality text-to-image generation with FLUX.1 [dev].",
		Pricing:     usd("image", 0.025),
		Tags:        []string{"image", "text-to-image"},
		Aliases:     []string{"flux-dev"},
	},
	{
		ID: "stability-ai/sdxl", Provider: "replicate",
		Description: "Stable Diffusion XL text-to-image generation.",
		Pricing:     usd("image", 0.0048),
		Tags:        []string{"image", "text-to-image"},
		Aliases:     []string{"sdxl"},
	},
	{
		ID: "nightmareai/real-esrgan", Provider: "replicate",
		Description: "Image upscaling with Real-ESRGAN.",
		Pricing:     usd("image", 0.0025),
		Tags:        []string{"image", "upscale"},
	},

	// Audio
	{
		ID: "openai/whisper", Provider: "replicate",
		Description: "Speech recognition and transcription.",
		Pricing:     usd("second", 0.00012),
		Tags:        []string{"audio", "speech-to-text"},
		Aliases:     []string{"whisper"},
	},
	{
		ID: "meta/musicgen", Provider: "replicate",
		Description: "Music generation from a text prompt.",
		Pricing:     usd("second", 0.0014),
		Tags:        []string{"audio", "text-to-music"},
	},

	// Video
	{
		ID: "minimax/video-01", Provider: "replicate",
		Description: "Text and image to video generation.",
		Pricing:     usd("video", 0.5),
		Tags:        []string{"video", "text-to-video"},
	},

	// Text
	{
		ID: "openai/gpt-4o-mini", Provider: "openai",
		Description: "Small, fast general-purpose text model.",
		Pricing:     usd("1k_tokens", 0.0006),
		Tags:        []string{"text"},
		Aliases:     []string{"gpt-4o-mini"},
	},
	{
		ID: "anthropic/claude-sonnet-4-5", Provider: "anthropic",
		Description: "Balanced text model for reasoning and writing.",
		Pricing:     usd("1k_tokens", 0.015),
		Tags:        []string{"text"},
		Aliases:     []string{"sonnet"},
	},
}

// Catalog is an ordered, immutable set of models.
type Catalog struct {
	models []Model
	index  map[string]int // id and alias -> position
}

// New builds a catalog. Owner and Name are derived from ID when empty.
// Duplicate ids are rejected.
func New(models []Model) (*Catalog, error) {
	c := &Catalog{
		models: make([]Model, 0, len(models)),
		index:  make(map[string]int, len(models)),
	}
	for _, m := range models {
		owner, name, ok := strings.Cut(m.ID, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("model id %q must look like \"owner/name\"", m.ID)
		}
		if m.Owner == "" {
			m.Owner = owner
		}
		if m.Name == "" {
			m.Name = name
		}
		if _, dup := c.index[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		pos := len(c.models)
		c.models = append(c.models, m)
		c.index[m.ID] = pos
		for _, alias := range m.Aliases {
			if _, taken := c.index[alias]; !taken {
				c.index[alias] = pos
			}
		}
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(Models)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns a model by id or alias.
func (c *Catalog) Get(id string) (Model, bool) {
	pos, ok := c.index[id]
	if !ok {
		return Model{}, false
	}
	return c.models[pos], true
}

// List returns models in catalog order, optionally filtered by provider.
func (c *Catalog) List(provider string) []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of models.
func (c *Catalog) Len() int { return len(c.models) }

// Providers returns the distinct provider names in catalog order.
func (c *Catalog) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range c.models {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			out = append(out, m.Provider)
		}
	}
	return out
}

// ProviderFor returns the provider serving id, or "" when unknown. It is
// suitable as a provider.Client router.
func (c *Catalog) ProviderFor(id string) string {
	m, ok := c.Get(id)
	if !ok {
		return ""
	}
	return m.Provider
}

// PriceEntry is one row of the pricing table.
type PriceEntry struct {
	Model string `json:"model"`
	Pricing
}

// Pricing returns the price of every priced model, in catalog order.
func (c *Catalog) Pricing() []PriceEntry {
	var out []PriceEntry
	for _, m := range c.models {
		if m.Pricing != nil {
			out = append(out, PriceEntry{Model: m.ID, Pricing: *m.Pricing})
		}
	}
	return out
}

type file struct {
	Models []Model `json:"models" yaml:"models"`
}

// LoadFile reads a catalog from a YAML or JSON file. The format is chosen by
// extension; anything other than .json is parsed as YAML.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f file
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("catalog %s lists no models", path)
	}
	return New(f.Models)
}
