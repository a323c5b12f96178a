// Package tools runs the function calls a realtime model asks for and shapes
// their results for the backend and the client.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Direction says who receives a tool result.
type Direction int

const (
	// ToServer results go back to the model as the function output.
	ToServer Direction = iota
	// ToClient results go to the browser; the model only gets an acknowledgement.
	ToClient
)

func (d Direction) String() string {
	if d == ToClient {
		return "to-client"
	}
	return "to-server"
}

// Result is the outcome of one tool call.
type Result struct {
	Text      string
	Direction Direction
	// Failed marks a structured failure payload.
	Failed bool
}

// Handler executes a tool with its raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Tool pairs a model-facing declaration with its handler.
type Tool struct {
	Name        string
	Declaration json.RawMessage
	Handler     Handler
}

// Registry holds tools in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  []Tool
	byName map[string]int
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]int)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. The declaration's name must match Tool.Name.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	var decl struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(t.Declaration, &decl); err != nil {
		return fmt.Errorf("tool %s: invalid declaration: %w", t.Name, err)
	}
	if decl.Name != t.Name {
		return fmt.Errorf("tool %s: declaration name %q does not match", t.Name, decl.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.byName[t.Name] = len(r.tools)
	r.tools = append(r.tools, t)
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// Declarations returns the tool declarations in registration order.
func (r *Registry) Declarations() []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]json.RawMessage, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, append(json.RawMessage(nil), t.Declaration...))
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Name)
	}
	return out
}
