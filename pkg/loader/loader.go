package loader

import (
	"context"
	"fmt"
)

// Loader fetches the raw bytes of a decision document by key.
//
// Implementations never interpret the bytes. A key that does not exist in the
// backing store yields an error for which IsNotFound reports true; local read
// failures are KindIO. Load must be safe for concurrent use.
//
// The returned slice belongs to the caller, who may modify it. Loaders that
// keep documents in memory return a copy, never their stored slice.
type Loader interface {
	Load(ctx context.Context, key string) ([]byte, error)
}

// Func adapts an ordinary function to the Loader interface
type Func func(ctx context.Context, key string) ([]byte, error)

// Load calls f(ctx, key)
func (f Func) Load(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// NoopLoader is the loader used when nothing is configured. It always fails.
type NoopLoader struct{}

// Load implements Loader
func (NoopLoader) Load(_ context.Context, key string) ([]byte, error) {
	return nil, NewError(KindUnavailable, key, fmt.Errorf("loader is no-op"))
}

var (
	_ Loader = Func(nil)
	_ Loader = NoopLoader{}
)
