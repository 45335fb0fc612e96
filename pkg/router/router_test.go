package router

import (
	"strings"
	"testing"

	"docmind/pkg/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Descriptor{
		{ID: "text-embed-small", Provider: "p", InputPrice: 0.02, ContextTokens: 8192,
			Capabilities: []catalog.Capability{catalog.CapEmbedding}, Quality: 5, Speed: 9},
		{ID: "chat-lite", Provider: "p", InputPrice: 0.1, OutputPrice: 0.4, ContextTokens: 128000,
			Capabilities: []catalog.Capability{catalog.CapGeneral}, Quality: 5, Speed: 9},
		{ID: "chat-mid", Provider: "p", InputPrice: 1.0, OutputPrice: 4.0, ContextTokens: 200000,
			Capabilities: []catalog.Capability{catalog.CapGeneral}, Quality: 7, Speed: 6},
		{ID: "chat-premium", Provider: "p", InputPrice: 5.0, OutputPrice: 20.0, ContextTokens: 200000,
			Capabilities: []catalog.Capability{catalog.CapGeneral}, Quality: 9, Speed: 4},
		{ID: "vision-lite", Provider: "p", InputPrice: 0.3, OutputPrice: 1.2, ContextTokens: 32000,
			Capabilities: []catalog.Capability{catalog.CapVision}, Quality: 6, Speed: 7},
		{ID: "code-specialist", Provider: "p", InputPrice: 2.0, OutputPrice: 8.0, ContextTokens: 128000,
			Capabilities: []catalog.Capability{catalog.CapCode}, Quality: 8, Speed: 5},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func TestSelectByComplexity(t *testing.T) {
	r := New(testCatalog(t), nil)
	tests := []struct {
		name       string
		category   TaskCategory
		complexity Complexity
		want       string
	}{
		{"simple synthesis picks cheapest", TaskAnswerSynthesis, Simple, "chat-lite"},
		{"medium synthesis picks mid tier", TaskAnswerSynthesis, Medium, "chat-mid"},
		{"complex synthesis picks best quality", TaskAnswerSynthesis, Complex, "chat-premium"},
		{"embedding routes to embedding tier", TaskEmbedding, Simple, "text-embed-small"},
		{"vision routes to vision tier", TaskImageDescription, Simple, "vision-lite"},
	}
	for _, tc := range tests {
		got, err := r.Select(tc.category, tc.complexity, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestCodeCategoriesAlwaysRouteToCodeSpecialist(t *testing.T) {
	r := New(testCatalog(t), nil)
	for _, category := range []TaskCategory{TaskCodeGeneration, TaskFrameworkConversion} {
		for _, complexity := range []Complexity{Simple, Medium, Complex} {
			got, err := r.Select(category, complexity, 0)
			if err != nil {
				t.Fatalf("%s/%s: %v", category, complexity, err)
			}
			if got != "code-specialist" {
				t.Fatalf("%s/%s: got %q, want code-specialist", category, complexity, got)
			}
		}
	}
}

func TestCodeSetStillRanksByCostForSimpleTasks(t *testing.T) {
	cat, err := catalog.New([]catalog.Descriptor{
		{ID: "code-cheap", Provider: "p", InputPrice: 0.5, OutputPrice: 2.0, ContextTokens: 64000,
			Capabilities: []catalog.Capability{catalog.CapCode}, Quality: 6, Speed: 8},
		{ID: "code-specialist", Provider: "p", InputPrice: 2.0, OutputPrice: 8.0, ContextTokens: 128000,
			Capabilities: []catalog.Capability{catalog.CapCode}, Quality: 8, Speed: 5},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := New(cat, nil)
	tests := []struct {
		complexity Complexity
		want       string
	}{
		{Simple, "code-cheap"},
		{Medium, "code-cheap"},
		{Complex, "code-specialist"},
	}
	for _, tc := range tests {
		got, err := r.Select(TaskCodeGeneration, tc.complexity, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.complexity, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.complexity, got, tc.want)
		}
	}
}

func TestBudgetCeilingDowngradesMediumTasks(t *testing.T) {
	r := New(testCatalog(t), nil)
	// chat-mid expected cost per call: 2000/1e6*1.0 + 500/1e6*4.0 = 0.004 USD.
	got, err := r.Select(TaskAnswerSynthesis, Medium, 0.001)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "chat-lite" {
		t.Fatalf("got %q, want downgrade to chat-lite", got)
	}
	got, err = r.Select(TaskAnswerSynthesis, Medium, 0.01)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "chat-mid" {
		t.Fatalf("got %q, want chat-mid under a loose ceiling", got)
	}
}

func TestUnknownCategoryFallsBackToGeneralSet(t *testing.T) {
	r := New(testCatalog(t), nil)
	got, err := r.Select(TaskCategory("sentiment-analysis"), Simple, 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !strings.HasPrefix(got, "chat-") {
		t.Fatalf("got %q, want a general-purpose model", got)
	}
}

func TestSelectErrorsWhenNoCandidates(t *testing.T) {
	cat, err := catalog.New([]catalog.Descriptor{
		{ID: "only-embed", Provider: "p", InputPrice: 0.02, ContextTokens: 8192,
			Capabilities: []catalog.Capability{catalog.CapEmbedding}, Quality: 5, Speed: 9},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := New(cat, nil)
	if _, err := r.Select(TaskAnswerSynthesis, Simple, 0); err == nil {
		t.Fatalf("expected error when no general model exists")
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	r := New(testCatalog(t), nil)
	first, err := r.Select(TaskDocumentAnalysis, Medium, 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 20; i++ {
		got, err := r.Select(TaskDocumentAnalysis, Medium, 0)
		if err != nil || got != first {
			t.Fatalf("selection not deterministic: %q vs %q (%v)", got, first, err)
		}
	}
}
