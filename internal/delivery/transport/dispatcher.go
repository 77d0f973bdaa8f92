// Package transport sends one rendered message over the active outbound
// connection and reports the outcome.
package transport

import (
	"context"
	"fmt"

	"github.com/mailkite/delivery-engine/internal/delivery/render"
)

// Receipt is the successful outcome of one dispatch.
type Receipt struct {
	// TransportMessageID correlates the ledger row to the message on the
	// wire. For SMTP this is the synthesized Message-ID header.
	TransportMessageID string
}

// DispatchError is a rejection from the remote server, carrying whatever
// SMTP code and text it produced. The bounce classifier decides whether it
// is permanent. Transport-level failures (dial errors, timeouts) are
// returned as plain errors and are always treated as transient.
type DispatchError struct {
	Code    string
	Message string
}

func (e *DispatchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("smtp rejection %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("smtp rejection: %s", e.Message)
}

// Dispatcher sends one rendered message. Implementations must respect the
// context deadline; no dispatch blocks indefinitely.
type Dispatcher interface {
	Dispatch(ctx context.Context, email *render.RenderedEmail) (*Receipt, error)
}
