// Package statusbus fans node status envelopes out from the engine ingest
// endpoint to every stream subscriber of a session.
package statusbus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tcmartin/flowstudio/pkg/runtime"
)

// ErrClosed is returned when using a closed bus
var ErrClosed = errors.New("status bus closed")

// Bus carries envelopes addressed by company and session
type Bus interface {
	// Publish delivers env to the current subscribers of its company and session
	Publish(ctx context.Context, env runtime.Envelope) error

	// Subscribe receives envelopes for one session until the subscription is closed
	Subscribe(ctx context.Context, companyID, sessionID string) (Subscription, error)

	// Close releases the bus and ends every subscription
	Close() error
}

// Subscription is a live feed of one session's envelopes
type Subscription interface {
	// Events is closed when the subscription ends
	Events() <-chan runtime.Envelope
	Close() error
}

// Topic names the channel of a company session
func Topic(companyID, sessionID string) string {
	return fmt.Sprintf("flowstudio:status:%s:%s", companyID, sessionID)
}

func validateAddress(companyID, sessionID string) error {
	if strings.TrimSpace(companyID) == "" {
		return errors.New("company id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	return nil
}
