// Package ha is the boundary to the home platform. The assistant only
// ever sees the StateProvider and ServiceCaller interfaces; Client is
// the REST transport behind them.
package ha

import "context"

// EntityState is a point-in-time snapshot of one entity.
type EntityState struct {
	EntityID      string
	FriendlyName  string
	Area          string
	State         string
	Attributes    map[string]any
	LastChangedMS int64
}

// Domain is the part of the entity id before the dot.
func (e EntityState) Domain() string {
	for i := 0; i < len(e.EntityID); i++ {
		if e.EntityID[i] == '.' {
			return e.EntityID[:i]
		}
	}
	return ""
}

// StateProvider supplies entity snapshots for context assembly and
// indexing.
type StateProvider interface {
	States(ctx context.Context) ([]EntityState, error)
	State(ctx context.Context, entityID string) (*EntityState, error)
}

// ServiceCaller executes a service call that already cleared policy.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error
}
