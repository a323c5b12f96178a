package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/voicerag/internal/protocol"
	"github.com/ent0n29/voicerag/internal/tools"
)

// groundUserText handles recognized speech on backends that expect the
// middle tier to retrieve knowledge itself: the search tool runs on text,
// its result goes back to the backend as context and the cited sources are
// reported to the client. An interruption drops whatever is still in flight.
func (s *streamingSession) groundUserText(ctx context.Context, text string) {
	if text == "" {
		return
	}
	registry := s.r.cfg.Bridge.Registry()
	if _, ok := registry.Lookup(tools.SearchToolName); !ok {
		return
	}

	s.callMu.Lock()
	if s.isClosing() {
		s.callMu.Unlock()
		return
	}
	s.groundings++
	seq := s.groundings
	current := s.current(s.generation.Load())
	s.callMu.Unlock()

	logger := s.logger.With().Int("grounding", seq).Logger()

	s.tools.Add(1)
	go func() {
		defer s.tools.Done()

		args, err := json.Marshal(struct {
			Query string `json:"query"`
		}{text})
		if err != nil {
			return
		}
		res := s.invoke(ctx, tools.Call{CallID: fmt.Sprintf("grounding_%d", seq), Name: tools.SearchToolName, Arguments: args})
		if res.Failed {
			logger.Warn().Msg("knowledge search for user text failed")
			return
		}

		update, ok, err := s.r.codec.EncodeContextUpdate(text, res.Text)
		if err != nil || !ok {
			if err != nil {
				logger.Error().Err(err).Msg("encode context update")
			}
			return
		}
		if sent, err := s.writeIf(s.backend, update, current); err != nil || !sent {
			if err != nil {
				logger.Warn().Err(err).Msg("context update not delivered")
			}
			return
		}

		ids := tools.SourceIDs(res.Text)
		if len(ids) == 0 {
			return
		}
		if _, ok := registry.Lookup(tools.GroundingToolName); !ok {
			return
		}
		sourcesArgs, err := json.Marshal(struct {
			Sources []string `json:"sources"`
		}{ids})
		if err != nil {
			return
		}
		grounding := s.invoke(ctx, tools.Call{CallID: fmt.Sprintf("grounding_%d_sources", seq), Name: tools.GroundingToolName, Arguments: sourcesArgs})
		if grounding.Failed || grounding.Direction != tools.ToClient {
			return
		}
		data, err := json.Marshal(protocol.NewToolResponse("", tools.GroundingToolName, grounding.Text))
		if err == nil {
			_, err = s.writeIf(s.client, data, current)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("grounding sources not delivered to client")
		}
	}()
}
