package catalog

import (
	"fmt"
	"sort"
	"strings"

	"docmind/pkg/domain"
)

// Capability tags a model can carry. The router matches task categories against
// these instead of substring-matching model names.
type Capability string

const (
	CapGeneral     Capability = "general"
	CapEmbedding   Capability = "embedding"
	CapVision      Capability = "vision"
	CapCode        Capability = "code"
	CapLongContext Capability = "long-context"
)

// Descriptor is one selectable model tier. Prices are USD per 1M tokens.
type Descriptor struct {
	ID               string       `yaml:"id"`
	Provider         string       `yaml:"provider"`
	InputPrice       float64      `yaml:"inputPrice"`
	CachedInputPrice float64      `yaml:"cachedInputPrice"`
	OutputPrice      float64      `yaml:"outputPrice"`
	ContextTokens    int          `yaml:"contextTokens"`
	Capabilities     []Capability `yaml:"capabilities"`
	Quality          int          `yaml:"quality"`
	Speed            int          `yaml:"speed"`
}

// HasCapability reports whether the descriptor carries the given tag.
func (d Descriptor) HasCapability(c Capability) bool {
	for _, tag := range d.Capabilities {
		if tag == c {
			return true
		}
	}
	return false
}

// Catalog is an immutable registry of model descriptors, built once at startup
// from configuration and passed explicitly to router and ledger.
type Catalog struct {
	byID  map[string]Descriptor
	order []string
}

// New validates and indexes the given descriptors. Order is preserved for All.
func New(descriptors []Descriptor) (*Catalog, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("catalog: at least one model required")
	}
	byID := make(map[string]Descriptor, len(descriptors))
	order := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: model id required")
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", id)
		}
		if d.InputPrice < 0 || d.CachedInputPrice < 0 || d.OutputPrice < 0 {
			return nil, fmt.Errorf("catalog: negative price on model %q", id)
		}
		if d.Quality < 1 || d.Quality > 10 {
			return nil, fmt.Errorf("catalog: quality out of range on model %q", id)
		}
		if d.Speed < 1 || d.Speed > 10 {
			return nil, fmt.Errorf("catalog: speed out of range on model %q", id)
		}
		if d.ContextTokens <= 0 {
			return nil, fmt.Errorf("catalog: context size required on model %q", id)
		}
		d.ID = id
		byID[id] = d
		order = append(order, id)
	}
	return &Catalog{byID: byID, order: order}, nil
}

// Get returns the descriptor for a model id.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// MustGet returns the descriptor or an UnknownModelError.
func (c *Catalog) MustGet(id string) (Descriptor, error) {
	d, ok := c.byID[id]
	if !ok {
		return Descriptor{}, &domain.UnknownModelError{ModelID: id}
	}
	return d, nil
}

// All returns descriptors in registration order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// WithCapability returns descriptors carrying the tag, cheapest first, quality
// as tiebreak.
func (c *Catalog) WithCapability(cap Capability) []Descriptor {
	var out []Descriptor
	for _, id := range c.order {
		if d := c.byID[id]; d.HasCapability(cap) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].InputPrice != out[j].InputPrice {
			return out[i].InputPrice < out[j].InputPrice
		}
		return out[i].Quality > out[j].Quality
	})
	return out
}
