package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"docmind/pkg/ai"
	"docmind/pkg/billing"
	"docmind/pkg/catalog"
	"docmind/pkg/domain"
	"docmind/pkg/extract"
	"docmind/pkg/store"
)

// fakeClient is a deterministic in-process provider.
type fakeClient struct {
	mu             sync.Mutex
	embedVec       []float32
	embedErrFor    map[string]bool
	embedModels    []string
	completeQueue  []string
	completeErr    error
	completeCalls  int
	describeErrFor map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		embedVec:       []float32{1, 0, 0},
		embedErrFor:    map[string]bool{},
		describeErrFor: map[string]bool{},
	}
}

func (f *fakeClient) Embed(_ context.Context, model, text, _ string) ([]float32, ai.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedModels = append(f.embedModels, model)
	if f.embedErrFor[text] {
		return nil, ai.Usage{}, fmt.Errorf("embed refused")
	}
	vec := make([]float32, len(f.embedVec))
	copy(vec, f.embedVec)
	return vec, ai.Usage{InputTokens: int64(len(text)) / 4}, nil
}

func (f *fakeClient) Complete(_ context.Context, _, systemPrompt, _ string) (string, ai.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return "", ai.Usage{}, f.completeErr
	}
	if len(f.completeQueue) > 0 {
		next := f.completeQueue[0]
		f.completeQueue = f.completeQueue[1:]
		return next, ai.Usage{InputTokens: 100, OutputTokens: 50}, nil
	}
	if strings.Contains(systemPrompt, "document analyst") {
		return `{"summary":"A report about widgets.","topics":["widgets"],"entities":["Acme"]}`,
			ai.Usage{InputTokens: 500, OutputTokens: 60}, nil
	}
	return "The answer is in passage [1].", ai.Usage{InputTokens: 400, OutputTokens: 40}, nil
}

func (f *fakeClient) DescribeImage(_ context.Context, _ string, image []byte, _, _ string) (string, ai.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErrFor[string(image)] {
		return "", ai.Usage{}, fmt.Errorf("vision refused")
	}
	return "A bar chart of revenue. ALT: revenue bar chart", ai.Usage{InputTokens: 80, OutputTokens: 20}, nil
}

// fakeObjects is an in-memory object store.
type fakeObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	putErr  error
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: map[string][]byte{}}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = body
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	f.deleted = append(f.deleted, key)
	return nil
}

// fakeExtractor returns a fixed extraction result.
type fakeExtractor struct {
	result *extract.Result
	err    error
}

func (f *fakeExtractor) Extract(string, []byte) (*extract.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Descriptor{
		{ID: "text-embed-small", Provider: "test", InputPrice: 0.02, ContextTokens: 8192,
			Capabilities: []catalog.Capability{catalog.CapEmbedding}, Quality: 5, Speed: 9},
		{ID: "chat-lite", Provider: "test", InputPrice: 0.1, OutputPrice: 0.4, ContextTokens: 128000,
			Capabilities: []catalog.Capability{catalog.CapGeneral}, Quality: 5, Speed: 9},
		{ID: "chat-mid", Provider: "test", InputPrice: 1.0, OutputPrice: 4.0, ContextTokens: 200000,
			Capabilities: []catalog.Capability{catalog.CapGeneral, catalog.CapLongContext}, Quality: 7, Speed: 6},
		{ID: "chat-premium", Provider: "test", InputPrice: 5.0, OutputPrice: 20.0, ContextTokens: 200000,
			Capabilities: []catalog.Capability{catalog.CapGeneral, catalog.CapLongContext}, Quality: 9, Speed: 4},
		{ID: "vision-lite", Provider: "test", InputPrice: 0.3, OutputPrice: 1.2, ContextTokens: 32000,
			Capabilities: []catalog.Capability{catalog.CapVision}, Quality: 6, Speed: 7},
		{ID: "code-specialist", Provider: "test", InputPrice: 2.0, OutputPrice: 8.0, ContextTokens: 128000,
			Capabilities: []catalog.Capability{catalog.CapCode}, Quality: 8, Speed: 5},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	objects *fakeObjects
	client  *fakeClient
}

func newTestEnv(t *testing.T, extractor ContentExtractor) *testEnv {
	t.Helper()
	memStore := store.NewMemoryStore()
	objects := newFakeObjects()
	client := newFakeClient()
	a, err := New(Config{
		Store:       memStore,
		Objects:     objects,
		Client:      client,
		Catalog:     testCatalog(t),
		Extractor:   extractor,
		BillingTier: billing.TierStarter,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: memStore, objects: objects, client: client}
}

func sampleExtraction(chunkCount, imageCount int) *extract.Result {
	res := &extract.Result{PageCount: 3, Title: "Widget Report", Author: "Acme"}
	for i := 0; i < chunkCount; i++ {
		res.Chunks = append(res.Chunks, domain.Chunk{
			Page:    i/2 + 1,
			Type:    domain.ChunkText,
			Content: fmt.Sprintf("chunk %d body text about widgets", i),
		})
	}
	for i := 0; i < imageCount; i++ {
		res.Images = append(res.Images, domain.ExtractedImage{
			Page:        i + 1,
			Payload:     []byte{0x89, 0x50, 0x4e, 0x47, byte(i)},
			ContentType: "image/png",
		})
	}
	return res
}
