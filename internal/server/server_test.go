package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"docmind/internal/app"
	"docmind/internal/auth"
	"docmind/pkg/ai"
	"docmind/pkg/catalog"
	"docmind/pkg/extract"
	"docmind/pkg/store"
)

type stubClient struct{}

func (stubClient) Embed(context.Context, string, string, string) ([]float32, ai.Usage, error) {
	return []float32{1, 0, 0}, ai.Usage{InputTokens: 10}, nil
}

func (stubClient) Complete(_ context.Context, _, systemPrompt, _ string) (string, ai.Usage, error) {
	if strings.Contains(systemPrompt, "document analyst") {
		return `{"summary":"s","topics":[],"entities":[]}`, ai.Usage{InputTokens: 10, OutputTokens: 5}, nil
	}
	return "grounded answer [1]", ai.Usage{InputTokens: 10, OutputTokens: 5}, nil
}

func (stubClient) DescribeImage(context.Context, string, []byte, string, string) (string, ai.Usage, error) {
	return "figure. ALT: figure", ai.Usage{InputTokens: 5, OutputTokens: 2}, nil
}

type stubObjects struct{ data map[string][]byte }

func (s *stubObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	body, _ := io.ReadAll(r)
	s.data[key] = body
	return nil
}

func (s *stubObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("missing object")
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *stubObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (s *stubObjects) Delete(_ context.Context, key string) error {
	delete(s.data, key)
	return nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(string, []byte) (*extract.Result, error) {
	return &extract.Result{PageCount: 1}, nil
}

func newTestServer(t *testing.T, uploadLimit int) (*Server, *auth.Verifier, *store.MemoryStore) {
	t.Helper()
	cat, err := catalog.New([]catalog.Descriptor{
		{ID: "text-embed-small", Provider: "test", InputPrice: 0.02, ContextTokens: 8192,
			Capabilities: []catalog.Capability{catalog.CapEmbedding}, Quality: 5, Speed: 9},
		{ID: "chat-lite", Provider: "test", InputPrice: 0.1, OutputPrice: 0.4, ContextTokens: 128000,
			Capabilities: []catalog.Capability{catalog.CapGeneral}, Quality: 5, Speed: 9},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	memStore := store.NewMemoryStore()
	a, err := app.New(app.Config{
		Store:     memStore,
		Objects:   &stubObjects{data: map[string][]byte{}},
		Client:    stubClient{},
		Catalog:   cat,
		Extractor: stubExtractor{},
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	redisSrv := miniredis.RunT(t)
	srv, err := New(Config{
		App:                      a,
		Verifier:                 verifier,
		RedisAddr:                redisSrv.Addr(),
		UploadRateLimitPerMinute: uploadLimit,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return srv, verifier, memStore
}

func bearer(t *testing.T, v *auth.Verifier, owner string) string {
	t.Helper()
	token, err := v.Sign(owner, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func multipartPDF(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv, _, _ := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUploadAcceptsPDFAndReturns202(t *testing.T) {
	srv, verifier, memStore := newTestServer(t, 10)
	body, contentType := multipartPDF(t, "report.pdf", []byte("%PDF-1.4 content"))
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		DocumentID string `json:"documentId"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocumentID == "" || resp.Status != "uploading" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok, _ := memStore.GetDocument(resp.DocumentID); !ok {
		t.Fatalf("document not persisted")
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 10)
	for _, tc := range []struct {
		name    string
		file    string
		content []byte
	}{
		{"wrong extension", "notes.txt", []byte("%PDF-1.4")},
		{"wrong magic", "fake.pdf", []byte("GIF89a")},
	} {
		body, contentType := multipartPDF(t, tc.file, tc.content)
		req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestUploadRateLimited(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		body, contentType := multipartPDF(t, "a.pdf", []byte("%PDF-1.4"))
		req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("upload %d: status = %d", i, rec.Code)
		}
	}
	body, contentType := multipartPDF(t, "a.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestDocumentVisibilityScopedToOwner(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 10)
	body, contentType := multipartPDF(t, "mine.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	var resp struct {
		DocumentID string `json:"documentId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	req = httptest.NewRequest(http.MethodGet, "/api/documents/"+resp.DocumentID, nil)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-2"))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other owner sees document: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/documents/"+resp.DocumentID, nil)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner blocked: status = %d", rec.Code)
	}
}

func TestDownloadReturnsPresignedURL(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 10)
	body, contentType := multipartPDF(t, "mine.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	var uploaded struct {
		DocumentID string `json:"documentId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &uploaded)

	req = httptest.NewRequest(http.MethodGet, "/api/documents/"+uploaded.DocumentID+"/download", nil)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.URL, "https://objects.test/") {
		t.Fatalf("url = %q, want presigned link", resp.URL)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/documents/"+uploaded.DocumentID+"/download", nil)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-2"))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other owner can mint download link: status = %d", rec.Code)
	}
}

func TestQueryValidatesBody(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodPost, "/api/documents/query", strings.NewReader(`{"query":""}`))
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQueryReturnsCannotAnswerOnEmptyIndex(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodPost, "/api/documents/query", strings.NewReader(`{"query":"anything"}`))
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Answer  string `json:"answer"`
		Sources []any  `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer == "" || len(resp.Sources) != 0 {
		t.Fatalf("unexpected query result: %+v", resp)
	}
}

func TestUsageEndpointReturnsTierAndRows(t *testing.T) {
	srv, verifier, _ := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header.Set("Authorization", bearer(t, verifier, "owner-1"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Tier  string          `json:"tier"`
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Tier != "starter" {
		t.Fatalf("tier = %q, want starter", resp.Tier)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
