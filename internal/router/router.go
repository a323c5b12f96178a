// Package router relays one browser session to the selected realtime backend.
//
// A Router is built once per process from the selected backend profile and
// the canonical session configuration. Serve runs one streaming session:
// it dials the backend, sends the configuration exactly once and then pumps
// messages in both directions until either side goes away. Function calls
// requested by the model are run through the tool bridge without blocking
// the relay of other backend events.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/protocol"
	"github.com/ent0n29/voicerag/internal/session"
	"github.com/ent0n29/voicerag/internal/sessionconfig"
	"github.com/ent0n29/voicerag/internal/tools"
)

const (
	DefaultConfigureTimeout  = 3 * time.Second
	DefaultMaxProtocolErrors = 5
	DefaultWriteTimeout      = 10 * time.Second

	maxConsecutiveWriteFailures = 2
)

type Config struct {
	Profile       backend.Profile
	SessionConfig sessionconfig.SessionConfig
	Dialer        Dialer
	Bridge        *tools.Bridge
	Sessions      *session.Manager
	Metrics       *observability.Metrics

	ConfigureTimeout  time.Duration
	MaxProtocolErrors int
	WriteTimeout      time.Duration
}

// Router serves streaming sessions against one backend profile.
type Router struct {
	cfg     Config
	codec   protocol.Codec
	payload []byte

	mu   sync.Mutex
	live map[string]context.CancelCauseFunc
}

func New(cfg Config) (*Router, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("router: dialer is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("router: tool bridge is required")
	}
	codec, err := protocol.NewCodec(cfg.Profile)
	if err != nil {
		return nil, err
	}
	payload, err := sessionconfig.Serialize(cfg.Profile, cfg.SessionConfig)
	if err != nil {
		return nil, fmt.Errorf("serialize session config: %w", err)
	}

	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics("voicerag")
	}
	if cfg.ConfigureTimeout <= 0 {
		cfg.ConfigureTimeout = DefaultConfigureTimeout
	}
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = DefaultMaxProtocolErrors
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &Router{
		cfg:     cfg,
		codec:   codec,
		payload: payload,
		live:    make(map[string]context.CancelCauseFunc),
	}, nil
}

func (r *Router) Backend() backend.Kind { return r.cfg.Profile.Kind() }

// Serve runs one session for client until it closes. requestID is passed to
// the backend as the client request id; the session id is used when it is
// empty. The returned error is nil when the session ended normally.
func (r *Router) Serve(ctx context.Context, client Conn, remoteAddr, requestID string) error {
	rec := r.cfg.Sessions.Create(string(r.cfg.Profile.Kind()), remoteAddr)
	if requestID == "" {
		requestID = rec.ID
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.track(rec.ID, cancel)
	defer r.untrack(rec.ID)

	logger := zerolog.Ctx(ctx).With().
		Str("session_id", rec.ID).
		Str("backend", string(r.cfg.Profile.Kind())).
		Logger()
	ctx = logger.WithContext(ctx)

	s := newStreamingSession(r, rec.ID, requestID, client, logger)
	return s.run(ctx)
}

// Terminate ends a live session with reason. It reports whether the session
// was found.
func (r *Router) Terminate(sessionID, reason string) bool {
	r.mu.Lock()
	cancel, ok := r.live[sessionID]
	r.mu.Unlock()
	if ok {
		cancel(closeCause(reason))
	}
	return ok
}

// TerminateAll ends every live session, used on shutdown.
func (r *Router) TerminateAll(reason string) int {
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.live))
	for _, c := range r.live {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c(closeCause(reason))
	}
	return len(cancels)
}

func (r *Router) track(id string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[id] = cancel
}

func (r *Router) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}
