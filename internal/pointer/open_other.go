//go:build !linux

package pointer

import (
	"context"
	"fmt"
	"runtime"
)

func openPlatform(_ context.Context, name string, _ Options) (Injector, error) {
	return nil, fmt.Errorf("%w: %s is not supported on %s", ErrUnavailable, name, runtime.GOOS)
}

func probePlatform(name string) (bool, string) {
	return false, fmt.Sprintf("%s is not supported on %s", name, runtime.GOOS)
}
