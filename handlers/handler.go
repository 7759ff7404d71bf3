// Package handlers implements the per-destination-kind delivery transports.
// Each Handler is deliberately thin: the scheduler owns retry, circuit
// breaking, and health tracking, so a handler's only job is "send this
// payload to this destination once and report what happened."
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// Handler delivers a payload to one kind of destination. Implementations
// must treat ctx cancellation (timeout or shutdown) as a transient failure,
// never as a fatal one.
type Handler interface {
	Kind() domain.DestinationKind

	// ValidateConfig checks that a destination's opaque Config blob is
	// well-formed for this handler kind, without making any network call.
	ValidateConfig(raw json.RawMessage) error

	// TestConnection performs a lightweight reachability check (e.g. a HEAD
	// request, an auth probe) without delivering a real payload.
	TestConnection(ctx context.Context, raw json.RawMessage) error

	// Deliver sends payload to the destination described by raw config and
	// returns a handler-specific cross-system reference (e.g. the remote
	// message ID, the object-storage key, the signed link) on success.
	Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (crossSystemReference string, err error)
}

// Registry resolves a Handler by destination kind.
type Registry struct {
	handlers map[domain.DestinationKind]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.DestinationKind]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Resolve returns the handler registered for kind, or an EngineError
// wrapping ErrInvalidConfig and naming the kind if none is registered (an
// unsupported kind is treated as a destination configuration error).
func (r *Registry) Resolve(kind domain.DestinationKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, core.NewEngineError("handlers.Resolve", "invalid_config", fmt.Errorf("%w: no handler registered for kind %q", core.ErrInvalidConfig, kind))
	}
	return h, nil
}
