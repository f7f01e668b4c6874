package ports

import "context"

// ReadinessProbe reports whether a backing component can serve settlement
// traffic. Probe returns nil when it can.
type ReadinessProbe interface {
	Component() string
	Probe(ctx context.Context) error
}
