//go:build !linux

package devices

import (
	"context"
	"fmt"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/errs"
)

// SystemProvider has no capture drivers on this platform; every request is
// refused.
type SystemProvider struct{}

func NewSystemProvider() (*SystemProvider, error) { return &SystemProvider{}, nil }

func (*SystemProvider) RequestMedia(context.Context, core.MediaRequest) ([]core.LocalTrack, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", errs.ErrMediaAcquisitionDenied)
}
