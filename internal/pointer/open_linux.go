//go:build linux

package pointer

import (
	"context"
	"fmt"
)

func openPlatform(ctx context.Context, name string, opts Options) (Injector, error) {
	switch name {
	case BackendUInput:
		return OpenUInput(UInputConfig{
			DeviceName: opts.DeviceName,
			Width:      opts.Width,
			Height:     opts.Height,
		})
	case BackendPortal:
		return OpenPortal(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

func probePlatform(name string) (bool, string) {
	switch name {
	case BackendUInput:
		return UInputAvailable()
	case BackendPortal:
		return PortalAvailable()
	default:
		return false, "unknown backend"
	}
}
