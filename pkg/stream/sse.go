package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/tcmartin/flowstudio/pkg/projector"
	"github.com/tcmartin/flowstudio/pkg/runtime"
)

// SSESource reads status envelopes from the per-session event stream
type SSESource struct {
	serverURL string
	token     string
}

// NewSSESource creates a source for the API server at serverURL
func NewSSESource(serverURL, token string) *SSESource {
	return &SSESource{serverURL: strings.TrimRight(serverURL, "/"), token: token}
}

// Stream implements projector.Source. A dropped connection ends the stream
// instead of reconnecting so the projector can report the run as unknown.
func (s *SSESource) Stream(ctx context.Context, runID string, fn projector.Handler) error {
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/stream", s.serverURL, url.PathEscape(runID))
	client := sse.NewClient(endpoint)
	client.ReconnectStrategy = &backoff.StopBackOff{}
	if s.token != "" {
		client.Headers["Authorization"] = "Bearer " + s.token
	}

	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		var env runtime.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Str("session_id", runID).Msg("Ignoring malformed SSE event")
			return
		}
		fn(env)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("status event stream: %w", err)
	}
	return nil
}
