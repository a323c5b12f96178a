package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/protocol"
	"github.com/ent0n29/voicerag/internal/reliability"
	"github.com/ent0n29/voicerag/internal/tools"
)

var (
	errClientClosed  = errors.New("client closed")
	errBackendClosed = errors.New("backend closed")
)

type pendingCall struct {
	call       protocol.FunctionCall
	started    time.Time
	generation uint64
}

// side is one socket with its own writer lock.
type side struct {
	name     string
	conn     Conn
	mu       sync.Mutex
	failures int
}

type streamingSession struct {
	r         *Router
	id        string
	requestID string
	logger    zerolog.Logger
	started   time.Time
	abort     context.CancelCauseFunc

	client  *side
	backend *side

	mu             sync.Mutex
	state          State
	closing        bool
	closeReason    string
	protocolErrors int

	// callMu guards the call bookkeeping below. It is never held across a
	// socket write.
	callMu      sync.Mutex
	pending     map[string]pendingCall
	announced   map[string]string
	turnCalls   int
	outstanding int
	awaiting    bool
	groundings  int

	// generation is bumped by every interruption. Tool outputs and
	// continuations from an older generation are not written.
	generation atomic.Uint64

	ackOnce       sync.Once
	acked         chan struct{}
	ready         chan struct{}
	firstResponse sync.Once
	tools         sync.WaitGroup
}

func newStreamingSession(r *Router, id, requestID string, client Conn, logger zerolog.Logger) *streamingSession {
	return &streamingSession{
		r:         r,
		id:        id,
		requestID: requestID,
		logger:    logger,
		started:   time.Now(),
		abort:     func(error) {},
		client:    &side{name: "client", conn: client},
		state:     StateConnecting,
		pending:   make(map[string]pendingCall),
		announced: make(map[string]string),
		acked:     make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

func (s *streamingSession) run(ctx context.Context) error {
	metrics := s.r.cfg.Metrics
	kind := string(s.r.cfg.Profile.Kind())
	metrics.ActiveSessions.Set(float64(s.r.cfg.Sessions.ActiveCount()))
	metrics.SessionEvents.WithLabelValues(kind, "started").Inc()
	s.logger.Info().Str("request_id", s.requestID).Msg("session started")

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	s.abort = abort

	defer func() {
		if final, err := s.r.cfg.Sessions.End(s.id); err == nil {
			s.logger.Info().
				Str("reason", s.reason()).
				Int("tool_calls", final.ToolCalls).
				Int("interruptions", final.InterruptionCount).
				Dur("duration", time.Since(s.started)).
				Msg("session closed")
		}
		metrics.ActiveSessions.Set(float64(s.r.cfg.Sessions.ActiveCount()))
		metrics.SessionEvents.WithLabelValues(kind, "closed").Inc()
		metrics.SessionCloses.WithLabelValues(kind, s.reason()).Inc()
	}()

	dialStart := time.Now()
	conn, err := s.r.cfg.Dialer.Dial(runCtx, s.r.cfg.Profile, s.requestID)
	if err != nil {
		return s.fail(err)
	}
	metrics.ObserveStage(observability.StageBackendConnect, time.Since(dialStart))
	s.backend = &side{name: "backend", conn: conn}

	s.setState(StateConfiguring)
	if err := s.backend.conn.WriteMessage(websocket.TextMessage, s.r.payload); err != nil {
		_ = conn.Close()
		return s.fail(&reliability.BackendConnectionError{Backend: kind, Op: "configure", Err: err})
	}
	metrics.WSMessages.WithLabelValues("to_backend", "session_config").Inc()
	configuredAt := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.awaitAck(gctx, configuredAt) })
	g.Go(func() error { return s.pumpBackend(gctx) })
	g.Go(func() error { return s.pumpClient(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(ctx)
		return nil
	})

	err = g.Wait()
	if err == nil && ctx.Err() == nil {
		err = context.Cause(runCtx)
	}
	s.tools.Wait()
	s.setState(StateClosed)

	switch {
	case errors.Is(err, errClientClosed), errors.Is(err, errBackendClosed), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// fail handles a session that never reached the backend.
func (s *streamingSession) fail(err error) error {
	kind := string(s.r.cfg.Profile.Kind())
	s.setState(StateFailed)
	s.setCloseReason(ReasonBackendConnectionFailed)
	s.r.cfg.Metrics.BackendErrors.WithLabelValues(kind, "connect").Inc()
	s.logger.Error().Err(err).Msg("backend connection failed")

	op := "dial"
	var connErr *reliability.BackendConnectionError
	if errors.As(err, &connErr) {
		op = connErr.Op
	}
	_ = s.sendClientJSON(protocol.NewErrorEvent(protocol.ErrorDetail{
		Type:    "backend_connection_error",
		Code:    op,
		Message: "could not connect to the realtime backend",
		Source:  kind,
	}))
	_ = s.sendClientJSON(protocol.NewSessionClosed(ReasonBackendConnectionFailed))
	_ = s.client.conn.Close()
	s.setState(StateClosed)
	return err
}

func (s *streamingSession) awaitAck(ctx context.Context, configuredAt time.Time) error {
	timer := time.NewTimer(s.r.cfg.ConfigureTimeout)
	defer timer.Stop()

	select {
	case <-s.acked:
		s.r.cfg.Metrics.ObserveStage(observability.StageConfigureAck, time.Since(configuredAt))
	case <-timer.C:
		s.r.cfg.Metrics.ObserveIndicator("configure_ack_timeout")
		s.logger.Warn().
			Dur("timeout", s.r.cfg.ConfigureTimeout).
			Msg("no configuration acknowledgement, continuing")
	case <-ctx.Done():
		return nil
	}

	s.setState(StateStreaming)
	close(s.ready)
	return nil
}

// shutdown runs once the pumps are done or the session is cancelled. It
// abandons pending calls, tells the client why and closes both sockets.
func (s *streamingSession) shutdown(parent context.Context) {
	if cause := context.Cause(parent); cause != nil {
		var reason closeCause
		if errors.As(cause, &reason) {
			s.setCloseReason(string(reason))
		} else {
			s.setCloseReason(ReasonShutdown)
		}
	}
	s.setState(StateClosing)

	s.callMu.Lock()
	abandoned := len(s.pending)
	s.pending = make(map[string]pendingCall)
	s.announced = make(map[string]string)
	s.outstanding, s.turnCalls, s.awaiting = 0, 0, false
	s.callMu.Unlock()
	if abandoned > 0 {
		s.logger.Debug().Int("calls", abandoned).Msg("abandoned pending tool calls")
	}

	_ = s.sendClientJSON(protocol.NewSessionClosed(s.reason()))
	_ = s.backend.conn.Close()
	_ = s.client.conn.Close()
}

func (s *streamingSession) pumpBackend(ctx context.Context) error {
	for {
		mt, data, err := s.backend.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setCloseReason(ReasonBackendDisconnected)
			s.logger.Info().Err(err).Msg("backend disconnected")
			return errBackendClosed
		}
		if mt != websocket.TextMessage {
			if err := s.protocolError(&reliability.ProtocolError{Source: "backend", Err: protocol.ErrBinaryFrame}); err != nil {
				return err
			}
			continue
		}

		ev, err := s.r.codec.DecodeBackend(data)
		if err != nil {
			if err := s.protocolError(err); err != nil {
				return err
			}
			continue
		}
		_ = s.r.cfg.Sessions.Touch(s.id)
		s.r.cfg.Metrics.WSMessages.WithLabelValues("from_backend", ev.Type).Inc()

		if err := s.handleBackendEvent(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *streamingSession) handleBackendEvent(ctx context.Context, ev protocol.BackendEvent) error {
	switch ev.Kind {
	case protocol.EventAck:
		s.ackOnce.Do(func() { close(s.acked) })
		if ev.Payload == nil {
			return nil
		}
		return s.relayScrubbed(ev)
	case protocol.EventSessionCreated:
		return s.relayScrubbed(ev)
	case protocol.EventContent:
		s.firstResponse.Do(func() {
			s.r.cfg.Metrics.ObserveStage(observability.StageFirstResponse, time.Since(s.started))
		})
		return s.relay(ev.Type, ev.Payload)
	case protocol.EventLifecycle:
		if err := s.relay(ev.Type, ev.Payload); err != nil {
			return err
		}
		if ev.ResponseDone {
			return s.responseDone()
		}
		return nil
	case protocol.EventCallAnnounced:
		s.callMu.Lock()
		s.announced[ev.Call.CallID] = ev.Call.PreviousItemID
		s.callMu.Unlock()
		return nil
	case protocol.EventFunctionCall:
		s.startCall(ctx, *ev.Call)
		return nil
	case protocol.EventUserText:
		s.groundUserText(ctx, ev.Text)
		return nil
	case protocol.EventError:
		s.r.cfg.Metrics.BackendErrors.WithLabelValues(string(s.r.cfg.Profile.Kind()), ev.Error.Code).Inc()
		s.logger.Warn().
			Str("code", ev.Error.Code).
			Str("message", ev.Error.Message).
			Bool("retryable", ev.Error.Retryable).
			Msg("backend error")
		return s.sendClientJSON(protocol.NewErrorEvent(*ev.Error))
	default:
		return nil
	}
}

func (s *streamingSession) relayScrubbed(ev protocol.BackendEvent) error {
	scrubbed, err := protocol.ScrubSessionCreated(ev.Payload, s.r.cfg.SessionConfig.Voice)
	if err != nil {
		return s.protocolError(&reliability.ProtocolError{Source: "backend", Type: ev.Type, Err: err})
	}
	return s.relay(ev.Type, scrubbed)
}

func (s *streamingSession) relay(typ string, payload []byte) error {
	if payload == nil {
		return nil
	}
	if err := s.write(s.client, payload); err != nil {
		return err
	}
	s.r.cfg.Metrics.WSMessages.WithLabelValues("to_client", typ).Inc()
	return nil
}

func (s *streamingSession) pumpClient(ctx context.Context) error {
	for {
		mt, data, err := s.client.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setCloseReason(ReasonClientDisconnected)
			return errClientClosed
		}

		var msg protocol.ClientMessage
		if mt != websocket.TextMessage {
			err = protocol.ErrBinaryFrame
		} else {
			msg, err = protocol.ParseClientMessage(data)
		}
		if err != nil {
			_ = s.sendClientJSON(protocol.NewErrorEvent(protocol.ErrorDetail{
				Type:    "protocol_error",
				Code:    "invalid_client_message",
				Message: err.Error(),
				Source:  "relay",
			}))
			if err := s.protocolError(&reliability.ProtocolError{Source: "client", Type: msg.Type, Err: err}); err != nil {
				return err
			}
			continue
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil
		}
		_ = s.r.cfg.Sessions.Touch(s.id)
		s.r.cfg.Metrics.WSMessages.WithLabelValues("from_client", msg.Type).Inc()

		switch msg.Kind {
		case protocol.ClientSessionUpdate:
			s.logger.Debug().Msg("dropping client session.update")
		case protocol.ClientInterrupt:
			if err := s.interrupt(msg); err != nil {
				return err
			}
		default:
			if err := s.forward(msg); err != nil {
				return err
			}
		}
	}
}

func (s *streamingSession) forward(msg protocol.ClientMessage) error {
	out, ok, err := s.r.codec.EncodeClient(msg)
	if err != nil {
		return s.protocolError(&reliability.ProtocolError{Source: "client", Type: msg.Type, Err: err})
	}
	if !ok {
		return nil
	}
	return s.write(s.backend, out)
}

// interrupt supersedes every pending call and forwards the interruption.
// Outputs of superseded calls are dropped even if they finish later.
func (s *streamingSession) interrupt(msg protocol.ClientMessage) error {
	s.callMu.Lock()
	superseded := len(s.pending)
	s.pending = make(map[string]pendingCall)
	s.announced = make(map[string]string)
	s.outstanding, s.turnCalls, s.awaiting = 0, 0, false
	s.generation.Add(1)
	s.callMu.Unlock()

	_ = s.r.cfg.Sessions.Interrupt(s.id)
	s.r.cfg.Metrics.ObserveIndicator("interruption")
	s.logger.Debug().Int("superseded_calls", superseded).Msg("interrupted")

	return s.forward(msg)
}

func (s *streamingSession) startCall(ctx context.Context, call protocol.FunctionCall) {
	s.callMu.Lock()
	if s.isClosing() {
		s.callMu.Unlock()
		return
	}
	if _, dup := s.pending[call.CallID]; dup {
		s.callMu.Unlock()
		s.logger.Warn().Str("call_id", call.CallID).Msg("duplicate function call ignored")
		return
	}
	if call.PreviousItemID == "" {
		call.PreviousItemID = s.announced[call.CallID]
	}
	delete(s.announced, call.CallID)
	s.pending[call.CallID] = pendingCall{call: call, started: time.Now(), generation: s.generation.Load()}
	s.turnCalls++
	s.outstanding++
	pending := len(s.pending)
	s.callMu.Unlock()

	_ = s.r.cfg.Sessions.SetPending(s.id, pending, 1)

	s.tools.Add(1)
	go func() {
		defer s.tools.Done()
		res := s.invoke(ctx, tools.Call{CallID: call.CallID, Name: call.Name, Arguments: call.Arguments})
		s.deliver(call, res)
	}()
}

func (s *streamingSession) invoke(ctx context.Context, call tools.Call) tools.Result {
	start := time.Now()
	res := s.r.cfg.Bridge.Invoke(ctx, call)
	outcome := "ok"
	if res.Failed {
		outcome = "failed"
	}
	s.r.cfg.Metrics.ObserveToolCall(call.Name, outcome, time.Since(start))
	return res
}

// deliver sends a tool result unless its call was superseded, resolved or
// the session is closing. Dropped results are discarded silently.
func (s *streamingSession) deliver(call protocol.FunctionCall, res tools.Result) {
	s.callMu.Lock()
	p, ok := s.pending[call.CallID]
	if !ok || s.isClosing() {
		s.callMu.Unlock()
		return
	}
	delete(s.pending, call.CallID)
	pending := len(s.pending)
	s.callMu.Unlock()
	_ = s.r.cfg.Sessions.SetPending(s.id, pending, 0)

	logger := s.logger.With().Str("tool", call.Name).Str("call_id", call.CallID).Logger()
	current := s.current(p.generation)
	toClient := res.Direction == tools.ToClient
	defer s.settle(p.generation)

	if toClient {
		data, err := json.Marshal(protocol.NewToolResponse(call.PreviousItemID, call.Name, res.Text))
		if err == nil {
			_, err = s.writeIf(s.client, data, current)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("tool response not delivered to client")
		}
	}
	out, err := s.r.codec.EncodeToolOutput(call.CallID, res.Text, toClient)
	if err != nil {
		logger.Error().Err(err).Msg("encode tool output")
		return
	}
	sent, err := s.writeIf(s.backend, out, current)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("tool output not delivered")
	case !sent:
		logger.Debug().Msg("tool output superseded")
	default:
		logger.Debug().
			Str("direction", res.Direction.String()).
			Bool("failed", res.Failed).
			Dur("elapsed", time.Since(p.started)).
			Msg("tool output sent")
	}
}

// settle marks one output of generation gen as written and asks the model
// to continue when it was the last one the finished response waited for.
func (s *streamingSession) settle(gen uint64) {
	s.callMu.Lock()
	if s.generation.Load() != gen {
		s.callMu.Unlock()
		return
	}
	if s.outstanding > 0 {
		s.outstanding--
	}
	cont := s.takeContinuationLocked()
	s.callMu.Unlock()

	if cont {
		if err := s.sendContinue(gen); err != nil {
			s.logger.Warn().Err(err).Msg("continue request not delivered")
		}
	}
}

// responseDone marks the end of a model response. When that response
// issued function calls, the model is asked to continue once every output
// has been sent.
func (s *streamingSession) responseDone() error {
	s.callMu.Lock()
	if s.turnCalls > 0 {
		s.awaiting = true
	}
	s.turnCalls = 0
	cont := s.takeContinuationLocked()
	gen := s.generation.Load()
	s.callMu.Unlock()

	if !cont {
		return nil
	}
	return s.sendContinue(gen)
}

func (s *streamingSession) takeContinuationLocked() bool {
	if !s.awaiting || s.outstanding > 0 {
		return false
	}
	s.awaiting = false
	return true
}

func (s *streamingSession) sendContinue(gen uint64) error {
	out, ok := s.r.codec.EncodeContinue()
	if !ok {
		return nil
	}
	_, err := s.writeIf(s.backend, out, s.current(gen))
	return err
}

// current reports whether work started in generation gen may still be
// written.
func (s *streamingSession) current(gen uint64) func() bool {
	return func() bool {
		return s.generation.Load() == gen && !s.isClosing()
	}
}

// write sends one frame. A single failure is logged and skipped; repeated
// consecutive failures on the same socket end the session.
func (s *streamingSession) write(sd *side, data []byte) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return s.writeLocked(sd, data)
}

// writeIf sends data only if ok still holds once the socket is free.
func (s *streamingSession) writeIf(sd *side, data []byte, ok func() bool) (bool, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !ok() {
		return false, nil
	}
	return true, s.writeLocked(sd, data)
}

func (s *streamingSession) writeLocked(sd *side, data []byte) error {
	if d, ok := sd.conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(s.r.cfg.WriteTimeout))
	}
	err := sd.conn.WriteMessage(websocket.TextMessage, data)
	if err == nil {
		sd.failures = 0
		return nil
	}
	sd.failures++
	s.logger.Warn().Err(err).Str("side", sd.name).Int("consecutive", sd.failures).Msg("write failed")
	if sd.failures < maxConsecutiveWriteFailures {
		return nil
	}

	s.setCloseReason(ReasonTransportFailure)
	var failure error = &reliability.TransportError{Side: sd.name, Err: err}
	if sd == s.backend {
		failure = &reliability.BackendConnectionError{Backend: string(s.r.cfg.Profile.Kind()), Op: "write", Err: err}
	}
	s.abort(failure)
	return failure
}

func (s *streamingSession) sendClientJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(s.client, data)
}

// protocolError counts a malformed message. It returns an error once the
// session is over its allowance.
func (s *streamingSession) protocolError(err error) error {
	s.mu.Lock()
	s.protocolErrors++
	count := s.protocolErrors
	s.mu.Unlock()

	s.logger.Warn().Err(err).Int("count", count).Msg("protocol error")
	if count > s.r.cfg.MaxProtocolErrors {
		s.setCloseReason(ReasonProtocolErrors)
		return err
	}
	return nil
}

func (s *streamingSession) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	if st == StateClosing || st == StateClosed || st == StateFailed {
		s.closing = true
	}
	s.mu.Unlock()

	_ = s.r.cfg.Sessions.SetState(s.id, string(st))
	s.logger.Debug().Str("from", string(prev)).Str("to", string(st)).Msg("state")
}

func (s *streamingSession) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// setCloseReason keeps the first reason recorded.
func (s *streamingSession) setCloseReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *streamingSession) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		return ReasonShutdown
	}
	return s.closeReason
}
