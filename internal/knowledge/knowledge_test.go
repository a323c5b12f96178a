package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemorySearchRanksByOverlap(t *testing.T) {
	s := NewInMemorySearcher(
		Chunk{ChunkID: "a", Title: "a.pdf", Content: "vacation days accrue monthly"},
		Chunk{ChunkID: "b", Title: "b.pdf", Content: "vacation requests need approval from your manager"},
		Chunk{ChunkID: "c", Title: "c.pdf", Content: "dental coverage"},
	)

	got, err := s.Search(context.Background(), "Vacation requests?", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ChunkID)
	assert.Equal(t, "a", got[1].ChunkID)

	got, err = s.Search(context.Background(), "vacation", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Search(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInMemoryLookupKeepsRequestOrder(t *testing.T) {
	s := NewInMemorySearcher(SampleChunks()...)
	ids := []string{"role_library_pdf_pages_7", "missing", "employee_handbook_pdf_pages_12"}
	got, err := s.Lookup(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[0], got[0].ChunkID)
	assert.Equal(t, ids[2], got[1].ChunkID)
}

func TestInMemoryAddReplaces(t *testing.T) {
	s := NewInMemorySearcher(Chunk{ChunkID: "x", Content: "old text"})
	s.Add(Chunk{ChunkID: "x", Content: "new text"})
	got, err := s.Lookup(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new text", got[0].Content)
}

func TestValidChunkID(t *testing.T) {
	assert.True(t, ValidChunkID("doc_1-page=2"))
	assert.False(t, ValidChunkID("x') or true"))
	assert.False(t, ValidChunkID(""))
}

func TestNewSearcherDefaultsToMemory(t *testing.T) {
	s, err := NewSearcher(context.Background(), Config{Mode: "auto"})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "memory", s.Mode())

	_, err = NewSearcher(context.Background(), Config{Mode: "postgres"})
	assert.Error(t, err)
	_, err = NewSearcher(context.Background(), Config{Mode: "solr"})
	assert.Error(t, err)
}

func TestAzureSearcherRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indexes/docs/docs/search", r.URL.Path)
		assert.Equal(t, "search-key", r.Header.Get("api-key"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req azureSearchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "benefits", req.Search)
		assert.Equal(t, "semantic", req.QueryType)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"chunk_id": "c1", "title": "t.pdf", "chunk": "text", "@search.score": 1.2}},
		})
	}))
	defer srv.Close()

	s, err := NewAzureSearcher(AzureSearchConfig{
		Endpoint:       srv.URL + "/",
		Index:          "docs",
		APIKey:         "search-key",
		SemanticConfig: "default",
		BaseBackoff:    time.Millisecond,
	})
	require.NoError(t, err)

	got, err := s.Search(context.Background(), "benefits", 3)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{{ChunkID: "c1", Title: "t.pdf", Content: "text"}}, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAzureSearcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewAzureSearcher(AzureSearchConfig{Endpoint: srv.URL, Index: "docs", BaseBackoff: time.Millisecond})
	require.NoError(t, err)
	_, err = s.Search(context.Background(), "x", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAzureSearcherLookupFiltersInvalidIDs(t *testing.T) {
	var filter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req azureSearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		filter = req.Filter
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	s, err := NewAzureSearcher(AzureSearchConfig{Endpoint: srv.URL, Index: "docs"})
	require.NoError(t, err)
	_, err = s.Lookup(context.Background(), []string{"ok_1", "bad'id", "ok_2"})
	require.NoError(t, err)
	assert.Equal(t, "search.in(chunk_id, 'ok_1,ok_2', ',')", filter)

	got, err := s.Lookup(context.Background(), []string{"bad'id"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresSearcher(t *testing.T) {
	url := os.Getenv("VOICERAG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VOICERAG_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresSearcher(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, SampleChunks()...))
	got, err := s.Search(ctx, "vacation requests", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "employee_handbook_pdf_pages_12", got[0].ChunkID)

	got, err = s.Lookup(ctx, []string{"role_library_pdf_pages_7"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
