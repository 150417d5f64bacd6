//go:build !linux || !cgo

package journal

import (
	"context"
	"time"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

const nativeBackendName = "sdjournal"

// NativeBackend is unavailable in builds without linux and cgo.
type NativeBackend struct {
	Timeout time.Duration
}

// NewNativeBackend creates a backend whose queries always report it unavailable.
func NewNativeBackend(timeout time.Duration) *NativeBackend {
	return &NativeBackend{Timeout: timeout}
}

// Name implements Backend.
func (b *NativeBackend) Name() string {
	return nativeBackendName
}

// Query implements Backend.
func (b *NativeBackend) Query(_ context.Context, filter Filter) (*Result, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return nil, apperrors.BackendUnavailable(nativeBackendName, "built without linux/cgo support")
}
