package router

import (
	"context"
	"time"

	"github.com/ent0n29/voicerag/internal/backend"
)

// Conn is one end of the relay. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the backend connection for a session.
type Dialer interface {
	Dial(ctx context.Context, profile backend.Profile, requestID string) (Conn, error)
}

// WebsocketDialer adapts backend.Dialer to Dialer.
type WebsocketDialer struct {
	Backend *backend.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, profile backend.Profile, requestID string) (Conn, error) {
	conn, err := d.Backend.Dial(ctx, profile, requestID)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(8 << 20)
	return conn, nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}
