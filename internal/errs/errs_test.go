package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/telecall/internal/domain"
)

func TestEndReasonOf(t *testing.T) {
	cases := []struct {
		err    error
		reason domain.EndReason
		ok     bool
	}{
		{nil, domain.ReasonNone, false},
		{ErrMediaAcquisitionDenied, domain.ReasonMediaDenied, true},
		{fmt.Errorf("camera busy: %w", ErrMediaAcquisitionDenied), domain.ReasonMediaDenied, true},
		{ErrNegotiationFailed, domain.ReasonNegotiationFailed, true},
		{ErrTimeout, domain.ReasonTimeout, true},
		{ErrRemoteUnavailable, domain.ReasonRemoteUnavailable, true},
		{ErrAlreadyInCall, domain.ReasonNone, false},
		{ErrInvalidTransition, domain.ReasonNone, false},
		{errors.New("boom"), domain.ReasonNone, false},
	}
	for _, tc := range cases {
		reason, ok := EndReasonOf(tc.err)
		assert.Equal(t, tc.reason, reason, "%v", tc.err)
		assert.Equal(t, tc.ok, ok, "%v", tc.err)
	}
}
