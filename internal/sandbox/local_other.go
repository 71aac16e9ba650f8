//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"runtime"
)

type localBackend struct {
	limits *Limits
}

func (b *localBackend) name() string { return "local" }

func (b *localBackend) run(context.Context, string, Command, string, []string, []byte) (Result, error) {
	return Result{Status: -1}, fmt.Errorf("%w: local backend is not supported on %s", ErrFailure, runtime.GOOS)
}

// ReexecHelper is a no-op where the local backend is unavailable.
func ReexecHelper() {}
