package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// InMemorySearcher is a term-overlap searcher for local/dev use.
type InMemorySearcher struct {
	mu     sync.RWMutex
	chunks []Chunk
	byID   map[string]int
}

func NewInMemorySearcher(chunks ...Chunk) *InMemorySearcher {
	s := &InMemorySearcher{byID: make(map[string]int)}
	s.Add(chunks...)
	return s
}

// Add inserts chunks, replacing any with the same id.
func (s *InMemorySearcher) Add(chunks ...Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if i, ok := s.byID[c.ChunkID]; ok {
			s.chunks[i] = c
			continue
		}
		s.byID[c.ChunkID] = len(s.chunks)
		s.chunks = append(s.chunks, c)
	}
}

func (s *InMemorySearcher) Search(_ context.Context, query string, top int) ([]Chunk, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		idx   int
		score int
	}
	hits := make([]scored, 0)
	for i, c := range s.chunks {
		words := tokenize(c.Title + " " + c.Content)
		score := 0
		for term := range terms {
			if _, ok := words[term]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if top <= 0 || top > len(hits) {
		top = len(hits)
	}
	out := make([]Chunk, 0, top)
	for _, h := range hits[:top] {
		out = append(out, s.chunks[h.idx])
	}
	return out, nil
}

func (s *InMemorySearcher) Lookup(_ context.Context, ids []string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		if i, ok := s.byID[id]; ok {
			out = append(out, s.chunks[i])
		}
	}
	return out, nil
}

func (s *InMemorySearcher) Mode() string { return "memory" }

func (s *InMemorySearcher) Close() error { return nil }

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// SampleChunks seeds the in-memory searcher so a dev instance can answer
// something without an index.
func SampleChunks() []Chunk {
	return []Chunk{
		{
			ChunkID: "employee_handbook_pdf_pages_12",
			Title:   "Employee_Handbook.pdf",
			Content: "Employees accrue 20 days of paid vacation per year. Vacation requests must be submitted through the HR portal at least two weeks in advance.",
		},
		{
			ChunkID: "benefit_options_pdf_pages_3",
			Title:   "Benefit_Options.pdf",
			Content: "The Northwind Standard plan covers medical, vision and dental services. Preventive care is covered at no cost to the employee.",
		},
		{
			ChunkID: "role_library_pdf_pages_7",
			Title:   "Role_Library.pdf",
			Content: "A product manager defines the product vision, prioritizes the roadmap and works with engineering to deliver features.",
		},
	}
}
