package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voicerag/internal/knowledge"
	"github.com/ent0n29/voicerag/internal/policy"
)

const searchDeclaration = `{"type":"function","name":"search","description":"Search the knowledge base. The knowledge base is in English, translate to and from English if needed. Results are formatted as a source name first in square brackets, followed by the text content, and a line with '-----' at the end of each result.","parameters":{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"],"additionalProperties":false}}`

const groundingDeclaration = `{"type":"function","name":"report_grounding","description":"Report use of a source from the knowledge base as part of an answer (effectively, cite the source). Sources appear in square brackets before each knowledge base passage. Always use this tool to cite sources when responding with information from the knowledge base.","parameters":{"type":"object","properties":{"sources":{"type":"array","items":{"type":"string"},"description":"List of source names from last statement actually used, do not include the ones not used to formulate a response"}},"required":["sources"],"additionalProperties":false}}`

// Names of the RAG tools.
const (
	SearchToolName    = "search"
	GroundingToolName = "report_grounding"
)

var sourceLinePattern = regexp.MustCompile(`(?m)^\[([^\]]+)\]: `)

// SourceIDs returns the chunk ids cited in a search result, in order and
// without duplicates.
func SourceIDs(searchResult string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, m := range sourceLinePattern.FindAllStringSubmatch(searchResult, -1) {
		if id := m[1]; !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// RAGTools returns the search and report_grounding tools over searcher.
func RAGTools(searcher knowledge.Searcher, top int) []Tool {
	return []Tool{
		{Name: SearchToolName, Declaration: json.RawMessage(searchDeclaration), Handler: searchHandler(searcher, top)},
		{Name: GroundingToolName, Declaration: json.RawMessage(groundingDeclaration), Handler: groundingHandler(searcher)},
	}
}

func searchHandler(searcher knowledge.Searcher, top int) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{}, fmt.Errorf("decode arguments: %w", err)
		}
		query := strings.TrimSpace(args.Query)
		if query == "" {
			return Result{}, fmt.Errorf("query is required")
		}

		redacted, _ := policy.RedactPII(query)
		zerolog.Ctx(ctx).Debug().
			Str("query", policy.TruncateForLog(redacted, 200)).
			Str("searcher", searcher.Mode()).
			Msg("searching knowledge base")

		chunks, err := searcher.Search(ctx, query, top)
		if err != nil {
			return Result{}, err
		}
		var b strings.Builder
		for _, c := range chunks {
			fmt.Fprintf(&b, "[%s]: %s\n-----\n", c.ChunkID, c.Content)
		}
		return Result{Text: b.String(), Direction: ToServer}, nil
	}
}

func groundingHandler(searcher knowledge.Searcher) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args struct {
			Sources []string `json:"sources"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{}, fmt.Errorf("decode arguments: %w", err)
		}
		ids := make([]string, 0, len(args.Sources))
		for _, s := range args.Sources {
			if knowledge.ValidChunkID(s) {
				ids = append(ids, s)
			}
		}
		zerolog.Ctx(ctx).Debug().Strs("sources", ids).Msg("grounding sources")

		chunks := []knowledge.Chunk{}
		if len(ids) > 0 {
			found, err := searcher.Lookup(ctx, ids)
			if err != nil {
				return Result{}, err
			}
			chunks = append(chunks, found...)
		}
		out, err := json.Marshal(struct {
			Sources []knowledge.Chunk `json:"sources"`
		}{chunks})
		if err != nil {
			return Result{}, err
		}
		return Result{Text: string(out), Direction: ToClient}, nil
	}
}
