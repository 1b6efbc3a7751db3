package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cobrowse/internal/logging"
)

// ErrAllRoutesFailed is returned when no route accepted a message.
var ErrAllRoutesFailed = errors.New("channel: every route failed")

// Route names.
const (
	RouteSession   = "session"
	RouteDashboard = "dashboard"
)

// Route is one channel a message can be published on.
type Route interface {
	Name() string
	Send(ctx context.Context, event string, payload any) error
}

// Delivery publishes one message across the connected routes. Routes are
// ordered session channel first, dashboard channel second.
type Delivery interface {
	Deliver(ctx context.Context, routes []Route, event string, payload json.RawMessage) error
}

// FanOut publishes on every route and succeeds when at least one accepts the
// message. Receivers see duplicates and are expected to dedupe.
type FanOut struct{}

func (FanOut) Deliver(ctx context.Context, routes []Route, event string, payload json.RawMessage) error {
	var errs []error
	delivered := 0
	for _, r := range routes {
		if err := r.Send(ctx, event, payload); err != nil {
			logging.ChannelDebug("send %s on %s failed: %v", event, r.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("%w: %w", ErrAllRoutesFailed, errors.Join(errs...))
	}
	return nil
}

// Single publishes on the named route only, or on the first route when Route
// is empty.
type Single struct {
	Route string
}

func (s Single) Deliver(ctx context.Context, routes []Route, event string, payload json.RawMessage) error {
	for _, r := range routes {
		if s.Route == "" || r.Name() == s.Route {
			if err := r.Send(ctx, event, payload); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrAllRoutesFailed, r.Name(), err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: route %q not connected", ErrAllRoutesFailed, s.Route)
}

// DeliveryByName maps a config value to a strategy.
func DeliveryByName(name string) (Delivery, error) {
	switch name {
	case "", "fanout":
		return FanOut{}, nil
	case "single":
		return Single{}, nil
	case "dashboard":
		return Single{Route: RouteDashboard}, nil
	}
	return nil, fmt.Errorf("unknown delivery strategy %q", name)
}

