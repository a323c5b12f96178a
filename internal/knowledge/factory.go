package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a Searcher.
type Config struct {
	// Mode is auto, memory, postgres or azure-search.
	Mode        string
	DatabaseURL string
	AzureSearch AzureSearchConfig
}

// NewSearcher creates the configured searcher. In auto mode postgres wins
// over azure-search, and in-memory is used when neither is configured.
func NewSearcher(ctx context.Context, cfg Config) (Searcher, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == "auto" {
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			mode = "postgres"
		case cfg.AzureSearch.Endpoint != "" && cfg.AzureSearch.Index != "":
			mode = "azure-search"
		default:
			mode = "memory"
		}
	}

	switch mode {
	case "memory":
		return NewInMemorySearcher(SampleChunks()...), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("search mode postgres requires DATABASE_URL")
		}
		s, err := NewPostgresSearcher(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "azure-search":
		s, err := NewAzureSearcher(cfg.AzureSearch)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown search mode %q", cfg.Mode)
	}
}
