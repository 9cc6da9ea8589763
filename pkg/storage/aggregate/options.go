// Copyright © 2025 Tessera Systems

package aggregate

import (
	"github.com/tessera-io/transactor/pkg/storage"
	"go.uber.org/zap"
)

const (
	defaultMoveConcurrency = 4
	defaultDeleteBatch     = 500
)

// Option is a functor to build an aggregator with some options.
type Option func(*Aggregator, *string)

// Backend registers a named backend. The first backend registered becomes
// the default (write target).
func Backend(name string, adapter storage.Adapter) Option {
	return func(a *Aggregator, _ *string) {
		a.providers = append(a.providers, named{name: name, adapter: adapter})
	}
}

// IndexPath points the provider index at a local directory. Empty keeps the
// index in memory (tests, ephemeral runs).
func IndexPath(pth string) Option {
	return func(_ *Aggregator, indexPath *string) {
		*indexPath = pth
	}
}

// Logger injects a logging facility into the aggregator.
func Logger(l *zap.Logger) Option {
	return func(a *Aggregator, _ *string) {
		if l != nil {
			a.l = l
		}
	}
}

// MoveConcurrency bounds the number of simultaneous cross-provider
// transfers during MoveFiles.
func MoveConcurrency(n int) Option {
	return func(a *Aggregator, _ *string) {
		if n > 0 {
			a.moveConcurrency = int64(n)
		}
	}
}

// DeleteBatch tunes how many source blobs are deleted per call once their
// bytes are confirmed moved.
func DeleteBatch(n int) Option {
	return func(a *Aggregator, _ *string) {
		if n > 0 {
			a.deleteBatch = n
		}
	}
}
