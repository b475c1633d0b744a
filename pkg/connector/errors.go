// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"

	"github.com/aiku/telematrix/pkg/connector/media"
)

var (
	// ErrUnlinked means the event's room or chat has no active link.
	ErrUnlinked = errors.New("no active chat link")
	// ErrEcho means the event was sent by the bridge itself.
	ErrEcho = errors.New("event originates from the bridge")
	// ErrPermissionDenied means the destination rejected a send because the
	// sender lacks standing in the room.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeliveryFailed means an outbound send could not be completed.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrMalformedEvent means an inbound event is missing required fields.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStaleEvent means an inbound event exceeded the staleness threshold.
	ErrStaleEvent = errors.New("stale event")
)

// Outcome labels used in logs and metrics.
const (
	OutcomeRelayed     = "relayed"
	OutcomeIgnored     = "ignored"
	OutcomeUnlinked    = "unlinked"
	OutcomeEcho        = "echo"
	OutcomeMalformed   = "malformed"
	OutcomeStale       = "stale"
	OutcomeUndelivered = "delivery_failed"
	OutcomeRelayFailed = "relay_failed"
	OutcomeError       = "error"
)

// classify maps the result of handling one event to its outcome label.
func classify(err error) string {
	var relayErr *media.RelayError
	switch {
	case err == nil:
		return OutcomeRelayed
	case errors.Is(err, errIgnored):
		return OutcomeIgnored
	case errors.Is(err, ErrUnlinked):
		return OutcomeUnlinked
	case errors.Is(err, ErrEcho):
		return OutcomeEcho
	case errors.Is(err, ErrMalformedEvent):
		return OutcomeMalformed
	case errors.Is(err, ErrStaleEvent):
		return OutcomeStale
	case errors.As(err, &relayErr):
		return OutcomeRelayFailed
	case errors.Is(err, ErrDeliveryFailed), errors.Is(err, ErrPermissionDenied):
		return OutcomeUndelivered
	default:
		return OutcomeError
	}
}

// errIgnored marks events that were handled without relaying anything, such
// as suppressed membership changes or unsupported message types.
var errIgnored = errors.New("ignored")
