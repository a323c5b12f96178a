package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicerag/internal/reliability"
)

const azureSearchAPIVersion = "2024-07-01"

// AzureSearchConfig points at an Azure AI Search index.
type AzureSearchConfig struct {
	Endpoint       string
	Index          string
	APIKey         string
	SemanticConfig string

	IdentifierField string
	ContentField    string
	TitleField      string

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	HTTPClient  *http.Client
}

// AzureSearcher queries an Azure AI Search index over REST. Transient
// failures are retried with exponential backoff.
type AzureSearcher struct {
	cfg    AzureSearchConfig
	url    string
	client *http.Client
}

func NewAzureSearcher(cfg AzureSearchConfig) (*AzureSearcher, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	cfg.Index = strings.TrimSpace(cfg.Index)
	if cfg.Endpoint == "" || cfg.Index == "" {
		return nil, fmt.Errorf("azure search requires AZURE_SEARCH_ENDPOINT and AZURE_SEARCH_INDEX")
	}
	if cfg.IdentifierField == "" {
		cfg.IdentifierField = "chunk_id"
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "chunk"
	}
	if cfg.TitleField == "" {
		cfg.TitleField = "title"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &AzureSearcher{
		cfg:    cfg,
		url:    fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s", cfg.Endpoint, cfg.Index, azureSearchAPIVersion),
		client: client,
	}, nil
}

type azureSearchRequest struct {
	Search                string `json:"search"`
	Top                   int    `json:"top"`
	Select                string `json:"select"`
	Filter                string `json:"filter,omitempty"`
	QueryType             string `json:"queryType,omitempty"`
	SemanticConfiguration string `json:"semanticConfiguration,omitempty"`
}

type azureSearchResponse struct {
	Value []map[string]any `json:"value"`
}

func (s *AzureSearcher) Search(ctx context.Context, query string, top int) ([]Chunk, error) {
	if top <= 0 {
		top = 5
	}
	req := azureSearchRequest{
		Search: query,
		Top:    top,
		Select: s.selectFields(),
	}
	if s.cfg.SemanticConfig != "" {
		req.QueryType = "semantic"
		req.SemanticConfiguration = s.cfg.SemanticConfig
	}
	return s.do(ctx, req)
}

func (s *AzureSearcher) Lookup(ctx context.Context, ids []string) ([]Chunk, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if ValidChunkID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}
	return s.do(ctx, azureSearchRequest{
		Search: "*",
		Top:    len(valid),
		Select: s.selectFields(),
		Filter: fmt.Sprintf("search.in(%s, '%s', ',')", s.cfg.IdentifierField, strings.Join(valid, ",")),
	})
}

func (s *AzureSearcher) Mode() string { return "azure-search" }

func (s *AzureSearcher) Close() error { return nil }

func (s *AzureSearcher) selectFields() string {
	return strings.Join([]string{s.cfg.IdentifierField, s.cfg.TitleField, s.cfg.ContentField}, ",")
}

func (s *AzureSearcher) do(ctx context.Context, body azureSearchRequest) ([]Chunk, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, s.cfg.BaseBackoff, s.cfg.MaxBackoff)
			log.Debug().Err(lastErr).Int("attempt", attempt+1).Dur("wait", wait).Msg("retrying azure search")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		chunks, retry, err := s.once(ctx, payload)
		if err == nil {
			return chunks, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (s *AzureSearcher) once(ctx context.Context, payload []byte) ([]Chunk, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("api-key", s.cfg.APIKey)
	}

	res, err := s.client.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("azure search http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded azureSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	out := make([]Chunk, 0, len(decoded.Value))
	for _, doc := range decoded.Value {
		out = append(out, Chunk{
			ChunkID: stringField(doc, s.cfg.IdentifierField),
			Title:   stringField(doc, s.cfg.TitleField),
			Content: stringField(doc, s.cfg.ContentField),
		})
	}
	return out, false, nil
}

func stringField(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}
