package health

import "context"

// ReadinessCheck is implemented by every backend the service cannot work
// without. IsReady should be cheap and honour ctx.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
