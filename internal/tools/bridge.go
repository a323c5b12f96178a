package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voicerag/internal/reliability"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 20 * time.Second

var errUnknownTool = errors.New("unknown tool")

// Call is one function call as reported by the backend.
type Call struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Bridge invokes registered tools. Failures never escape as errors: they
// become a failure Result the model can verbalize.
type Bridge struct {
	registry *Registry
	timeout  time.Duration
}

func NewBridge(registry *Registry, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{registry: registry, timeout: timeout}
}

func (b *Bridge) Registry() *Registry { return b.registry }

// Invoke runs call. It returns when the tool finishes, the timeout elapses or
// ctx is done, whichever comes first.
func (b *Bridge) Invoke(ctx context.Context, call Call) Result {
	logger := zerolog.Ctx(ctx).With().Str("tool", call.Name).Str("call_id", call.CallID).Logger()

	tool, ok := b.registry.Lookup(call.Name)
	if !ok {
		return b.fail(&logger, call, errUnknownTool)
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return b.fail(&logger, call, fmt.Errorf("arguments are not valid JSON"))
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		res, err := tool.Handler(runCtx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return b.fail(&logger, call, out.err)
		}
		return out.res
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return b.fail(&logger, call, fmt.Errorf("timed out after %s", b.timeout))
		}
		return b.fail(&logger, call, runCtx.Err())
	}
}

type failurePayload struct {
	Error failureBody `json:"error"`
}

type failureBody struct {
	Type    string `json:"type"`
	Tool    string `json:"tool"`
	Message string `json:"message"`
}

func (b *Bridge) fail(logger *zerolog.Logger, call Call, err error) Result {
	invErr := &reliability.ToolInvocationError{Tool: call.Name, CallID: call.CallID, Err: err}
	logger.Warn().Err(invErr).Msg("tool invocation failed")

	text, mErr := json.Marshal(failurePayload{Error: failureBody{
		Type:    "tool_invocation_error",
		Tool:    call.Name,
		Message: err.Error(),
	}})
	if mErr != nil {
		text = []byte(`{"error":{"type":"tool_invocation_error"}}`)
	}
	return Result{Text: string(text), Direction: ToServer, Failed: true}
}
