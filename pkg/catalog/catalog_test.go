package catalog

import (
	"errors"
	"testing"

	"docmind/pkg/domain"
)

func sample() []Descriptor {
	return []Descriptor{
		{ID: "chat-premium", Provider: "p", InputPrice: 5, OutputPrice: 20, ContextTokens: 200000,
			Capabilities: []Capability{CapGeneral}, Quality: 9, Speed: 4},
		{ID: "chat-lite", Provider: "p", InputPrice: 0.1, OutputPrice: 0.4, ContextTokens: 128000,
			Capabilities: []Capability{CapGeneral}, Quality: 5, Speed: 9},
		{ID: "text-embed-small", Provider: "p", InputPrice: 0.02, ContextTokens: 8192,
			Capabilities: []Capability{CapEmbedding}, Quality: 5, Speed: 9},
	}
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]Descriptor) []Descriptor
	}{
		{"empty set", func([]Descriptor) []Descriptor { return nil }},
		{"missing id", func(d []Descriptor) []Descriptor { d[0].ID = " "; return d }},
		{"duplicate id", func(d []Descriptor) []Descriptor { d[1].ID = d[0].ID; return d }},
		{"negative price", func(d []Descriptor) []Descriptor { d[0].InputPrice = -1; return d }},
		{"quality out of range", func(d []Descriptor) []Descriptor { d[0].Quality = 11; return d }},
		{"speed out of range", func(d []Descriptor) []Descriptor { d[0].Speed = 0; return d }},
		{"missing context size", func(d []Descriptor) []Descriptor { d[0].ContextTokens = 0; return d }},
	}
	for _, tc := range tests {
		if _, err := New(tc.mutate(sample())); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestGetAndMustGet(t *testing.T) {
	cat, err := New(sample())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d, ok := cat.Get("chat-lite"); !ok || d.Quality != 5 {
		t.Fatalf("get chat-lite: %+v %v", d, ok)
	}
	if _, ok := cat.Get("nope"); ok {
		t.Fatalf("unexpected hit for unknown id")
	}
	_, err = cat.MustGet("nope")
	var unknown *domain.UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
}

func TestAllPreservesRegistrationOrder(t *testing.T) {
	cat, err := New(sample())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	all := cat.All()
	if len(all) != 3 || all[0].ID != "chat-premium" || all[2].ID != "text-embed-small" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestWithCapabilitySortsCheapestFirst(t *testing.T) {
	cat, err := New(sample())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	general := cat.WithCapability(CapGeneral)
	if len(general) != 2 || general[0].ID != "chat-lite" || general[1].ID != "chat-premium" {
		t.Fatalf("unexpected general set: %+v", general)
	}
	if got := cat.WithCapability(CapVision); len(got) != 0 {
		t.Fatalf("expected empty vision set, got %+v", got)
	}
}
