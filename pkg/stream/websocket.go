// Package stream provides the status sources a projector consumes: the
// console websocket and the per-session server-sent event stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/projector"
	"github.com/tcmartin/flowstudio/pkg/runtime"
)

// ClientMessage is sent by stream clients over the websocket
type ClientMessage struct {
	Type      string `json:"type"` // "subscribe", "unsubscribe", "ping"
	SessionID string `json:"session_id,omitempty"`
}

// Client message types
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePing        = "ping"
	MessagePong        = "pong"
	MessageError       = "error"
)

// WebSocketSource reads status envelopes from the console websocket
type WebSocketSource struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

// NewWebSocketSource creates a source for the API server at serverURL (http or https)
func NewWebSocketSource(serverURL, token string) (*WebSocketSource, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/ws"

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketSource{
		url:    u.String(),
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Stream subscribes to runID and hands every envelope to fn until the
// connection drops or ctx is cancelled.
func (s *WebSocketSource) Stream(ctx context.Context, runID string, fn projector.Handler) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(ClientMessage{Type: MessageSubscribe, SessionID: runID}); err != nil {
		return fmt.Errorf("failed to subscribe to session %s: %w", runID, err)
	}
	log.Debug().Str("session_id", runID).Msg("Subscribed to status websocket")

	for {
		var env runtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("status websocket: %w", err)
		}
		switch env.Type {
		case MessagePong:
			continue
		case MessageError:
			return errors.New("status websocket: " + string(env.Data))
		}
		fn(env)
	}
}
