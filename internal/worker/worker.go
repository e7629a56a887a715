// Package worker provides background task infrastructure for the gateway:
// the analytics recorder, the retention sweeper, the key cache refresher,
// and the route feedback dispatcher, all run under one Runner.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
	// Name identifies the worker in logs.
	Name() string
}
