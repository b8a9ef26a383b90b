//go:build !linux

package suspend

import (
	"context"

	apperrors "github.com/dispctl/host/internal/errors"
)

// NewDefaultAdapter returns an adapter that always degrades.
func NewDefaultAdapter() Adapter {
	return unsupportedAdapter{}
}

type unsupportedAdapter struct{}

func (unsupportedAdapter) Acquire(context.Context) (Handle, error) {
	return nil, apperrors.SuspendUnsupported("sleep inhibitors need systemd-logind")
}
