package devices

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

// FakeProvider hands out silent tracks. It backs the "fake" media provider and
// the tests; Deny and NoDevice simulate a refused permission prompt and a
// machine without devices.
type FakeProvider struct {
	mu       sync.Mutex
	deny     bool
	noDevice bool
	gate     chan struct{}

	requests atomic.Int64
	issued   atomic.Int64
	live     atomic.Int64
}

func NewFakeProvider() *FakeProvider { return &FakeProvider{} }

func (p *FakeProvider) Deny(v bool) {
	p.mu.Lock()
	p.deny = v
	p.mu.Unlock()
}

func (p *FakeProvider) NoDevice(v bool) {
	p.mu.Lock()
	p.noDevice = v
	p.mu.Unlock()
}

// Hold makes later requests wait until the returned func is called. The wait
// ignores context cancellation, like a permission prompt the user has not
// answered yet.
func (p *FakeProvider) Hold() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

func (p *FakeProvider) RequestMedia(_ context.Context, req core.MediaRequest) ([]core.LocalTrack, error) {
	p.requests.Add(1)

	p.mu.Lock()
	gate, deny, noDevice := p.gate, p.deny, p.noDevice
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if deny {
		return nil, fmt.Errorf("%w: permission denied", errs.ErrMediaAcquisitionDenied)
	}
	if noDevice {
		return nil, fmt.Errorf("%w: no capture device", errs.ErrMediaAcquisitionDenied)
	}

	streamID := uuid.NewString()
	var out []core.LocalTrack
	add := func(kind domain.TrackKind) error {
		t, err := newSampleTrack(kind, string(kind)+"-"+uuid.NewString(), streamID, func() error {
			p.live.Add(-1)
			return nil
		})
		if err != nil {
			return err
		}
		p.issued.Add(1)
		p.live.Add(1)
		out = append(out, t)
		return nil
	}
	if req.Audio {
		if err := add(domain.TrackAudio); err != nil {
			return nil, err
		}
	}
	if req.Video {
		if err := add(domain.TrackVideo); err != nil {
			for _, t := range out {
				_ = t.Stop()
			}
			return nil, err
		}
	}
	return out, nil
}

// Requests is the number of RequestMedia calls so far.
func (p *FakeProvider) Requests() int { return int(p.requests.Load()) }

// Issued is the number of tracks ever handed out.
func (p *FakeProvider) Issued() int { return int(p.issued.Load()) }

// Live is the number of handed out tracks not yet stopped.
func (p *FakeProvider) Live() int { return int(p.live.Load()) }
