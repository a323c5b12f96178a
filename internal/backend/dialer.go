package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ent0n29/voicerag/internal/reliability"
)

const cognitiveServicesScope = "https://cognitiveservices.azure.com/.default"

// NewTokenSource builds the bearer token source for the default backend when
// no api key is configured. It returns nil when no token credentials exist.
func NewTokenSource(ctx context.Context, creds map[string]string) oauth2.TokenSource {
	if token := value(creds, KeyOpenAIToken); token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
	tenant := value(creds, KeyTenantID)
	clientID := value(creds, KeyClientID)
	secret := value(creds, KeyClientSecret)
	if tenant == "" || clientID == "" || secret == "" {
		return nil
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
		Scopes:       []string{cognitiveServicesScope},
	}
	return oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
}

// Dialer opens backend sockets for a profile.
type Dialer struct {
	tokens           oauth2.TokenSource
	handshakeTimeout time.Duration
}

// NewDialer returns a Dialer. tokens is only consulted for bearer-token profiles.
func NewDialer(tokens oauth2.TokenSource) *Dialer {
	return &Dialer{tokens: tokens, handshakeTimeout: 10 * time.Second}
}

// Warm fetches a token ahead of the first session so the cache is populated.
func (d *Dialer) Warm(p Profile) error {
	if p.AuthMode() != AuthBearerToken {
		return nil
	}
	_, err := d.headers(p, "")
	return err
}

// Dial connects to the profile endpoint. requestID is forwarded as
// x-ms-client-request-id when set.
func (d *Dialer) Dial(ctx context.Context, p Profile, requestID string) (*websocket.Conn, error) {
	headers, err := d.headers(p, requestID)
	if err != nil {
		return nil, &reliability.BackendConnectionError{Backend: string(p.Kind()), Op: "auth", Err: err}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, p.EndpointURL(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		return nil, &reliability.BackendConnectionError{Backend: string(p.Kind()), Op: "dial", Err: err}
	}
	return conn, nil
}

func (d *Dialer) headers(p Profile, requestID string) (http.Header, error) {
	h := http.Header{}
	if requestID != "" {
		h.Set("x-ms-client-request-id", requestID)
	}
	switch p.AuthMode() {
	case AuthAPIKey:
		h.Set("api-key", p.APIKey())
	case AuthBearerToken:
		if d.tokens == nil {
			return nil, fmt.Errorf("bearer-token auth configured without a token source")
		}
		tok, err := d.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		h.Set("Authorization", "Bearer "+tok.AccessToken)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", p.AuthMode())
	}
	return h, nil
}
