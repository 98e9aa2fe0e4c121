package health

import "context"

// Pinger reports reachability of one external dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}
