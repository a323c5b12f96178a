package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ent0n29/voicerag/internal/reliability"
)

func headerCapturingServer(t *testing.T) (*httptest.Server, <-chan http.Header) {
	t.Helper()
	seen := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestDialSendsAPIKeyHeader(t *testing.T) {
	srv, seen := headerCapturingServer(t)

	p, err := Select(false, map[string]string{
		KeyOpenAIEndpoint:   srv.URL,
		KeyOpenAIDeployment: "dep",
		KeyOpenAIAPIKey:     "secret",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p.EndpointURL(), "ws://"))

	conn, err := NewDialer(nil).Dial(context.Background(), p, "req-1")
	require.NoError(t, err)
	defer conn.Close()

	h := <-seen
	assert.Equal(t, "secret", h.Get("api-key"))
	assert.Equal(t, "req-1", h.Get("x-ms-client-request-id"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestDialSendsBearerToken(t *testing.T) {
	srv, seen := headerCapturingServer(t)

	creds := map[string]string{
		KeyOpenAIEndpoint:   srv.URL,
		KeyOpenAIDeployment: "dep",
		KeyOpenAIToken:      "tok-123",
	}
	p, err := Select(false, creds)
	require.NoError(t, err)

	d := NewDialer(NewTokenSource(context.Background(), creds))
	require.NoError(t, d.Warm(p))
	conn, err := d.Dial(context.Background(), p, "")
	require.NoError(t, err)
	defer conn.Close()

	h := <-seen
	assert.Equal(t, "Bearer tok-123", h.Get("Authorization"))
	assert.Empty(t, h.Get("api-key"))
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) { return nil, errors.New("no identity") }

func TestDialFailuresAreBackendConnectionErrors(t *testing.T) {
	p, err := Select(false, map[string]string{
		KeyOpenAIEndpoint:   "http://127.0.0.1:1",
		KeyOpenAIDeployment: "dep",
		KeyOpenAIAPIKey:     "k",
	})
	require.NoError(t, err)

	_, err = NewDialer(nil).Dial(context.Background(), p, "")
	var connErr *reliability.BackendConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)

	bearer, err := Select(false, map[string]string{
		KeyOpenAIEndpoint:   "http://127.0.0.1:1",
		KeyOpenAIDeployment: "dep",
		KeyOpenAIToken:      "unused",
	})
	require.NoError(t, err)
	_, err = NewDialer(failingTokens{}).Dial(context.Background(), bearer, "")
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "auth", connErr.Op)
}

func TestNewTokenSourceWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewTokenSource(context.Background(), map[string]string{}))
	assert.NotNil(t, NewTokenSource(context.Background(), map[string]string{
		KeyTenantID:     "t",
		KeyClientID:     "c",
		KeyClientSecret: "s",
	}))
}
