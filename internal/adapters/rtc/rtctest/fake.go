// Package rtctest provides scripted peer connections for tests and for the
// fake media mode.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
)

var ErrNoRemoteDescription = errors.New("rtctest: remote description not set")

// Factory records every peer it creates.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer
	err   error

	// AutoConnect makes peers report connected as soon as both descriptions are
	// applied.
	AutoConnect bool
}

func NewFactory() *Factory { return &Factory{} }

// FailNext makes the next NewPeer call return err.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Factory) NewPeer(p core.PeerParams) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	peer := &Peer{params: p, autoConnect: f.AutoConnect}
	f.peers = append(f.peers, peer)
	return peer, nil
}

// Peer returns the most recent peer created for the leg, or nil.
func (f *Factory) Peer(sid domain.SessionID, user domain.UserID) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.peers) - 1; i >= 0; i-- {
		p := f.peers[i]
		if p.params.SessionID == sid && p.params.LocalUserID == user {
			return p
		}
	}
	return nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// Peer is a scripted core.PeerConnection. Every local description produces one
// local ICE candidate.
type Peer struct {
	mu          sync.Mutex
	params      core.PeerParams
	autoConnect bool

	offers      int
	answers     int
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      []core.LocalTrack
	closeCount  int
	offerErr    error
	state       webrtc.PeerConnectionState
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(core.RemoteTrack)
}

// FailOffers makes CreateOffer and ApplyOffer return err.
func (p *Peer) FailOffers(err error) {
	p.mu.Lock()
	p.offerErr = err
	p.mu.Unlock()
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.offerErr != nil {
		err := p.offerErr
		p.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	p.offers++
	sd := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake-offer %s %s %d", p.params.SessionID, p.params.LocalUserID, p.offers),
	}
	p.local = &sd
	p.mu.Unlock()

	p.gathered()
	return sd, nil
}

func (p *Peer) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.offerErr != nil {
		err := p.offerErr
		p.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	p.remote = &offer
	p.answers++
	sd := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("fake-answer %s %s %d", p.params.SessionID, p.params.LocalUserID, p.answers),
	}
	p.local = &sd
	p.mu.Unlock()

	p.gathered()
	p.maybeConnect()
	return sd, nil
}

func (p *Peer) ApplyAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.local == nil || p.local.Type != webrtc.SDPTypeOffer {
		p.mu.Unlock()
		return errors.New("rtctest: answer without local offer")
	}
	p.remote = &answer
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) AddLocalTrack(t core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closeCount++
	p.state = webrtc.PeerConnectionStateClosed
	p.mu.Unlock()
	return nil
}

// SetConnectionState reports a transport state change to the controller.
func (p *Peer) SetConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitTrack reports a remote track.
func (p *Peer) EmitTrack(t core.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// EmitCandidate reports a gathered local candidate.
func (p *Peer) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *Peer) gathered() {
	mid := "0"
	var idx uint16
	p.mu.Lock()
	c := webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", 50000+p.offers+p.answers),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	p.mu.Unlock()
	p.EmitCandidate(c)
}

func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := p.autoConnect && p.local != nil && p.remote != nil && p.state != webrtc.PeerConnectionStateConnected
	p.mu.Unlock()
	if ready {
		p.SetConnectionState(webrtc.PeerConnectionStateConnected)
	}
}

func (p *Peer) Params() core.PeerParams { return p.params }

func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Peer) RemoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Tracks() []core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.LocalTrack(nil), p.tracks...)
}

func (p *Peer) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}
