package rtc

import (
	"context"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// rtcpWriter is the part of a peer connection a reader needs.
type rtcpWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// remoteReader drains a remote track. Playback belongs to the client; on the
// server side the packets are only counted, and video senders are asked for
// keyframes so a late renderer can start.
type remoteReader struct {
	pc    rtcpWriter
	track *webrtc.TrackRemote
	pli   time.Duration
	log   zerolog.Logger

	stats readerStats
}

type readerStats struct {
	packets uint64
	bytes   uint64
	lost    uint64
	lastSeq uint16
	started bool
}

// observe folds one packet into the counters, accounting for sequence wrap.
func (s *readerStats) observe(pkt *rtp.Packet) {
	s.packets++
	s.bytes += uint64(len(pkt.Payload))
	seq := pkt.SequenceNumber
	if s.started {
		if gap := seq - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost += uint64(gap - 1)
		}
	}
	if !s.started || seq-s.lastSeq < 1<<15 {
		s.lastSeq = seq
	}
	s.started = true
}

func newRemoteReader(pc rtcpWriter, track *webrtc.TrackRemote, pli time.Duration, log zerolog.Logger) *remoteReader {
	return &remoteReader{
		pc:    pc,
		track: track,
		pli:   pli,
		log:   log.With().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Logger(),
	}
}

func (r *remoteReader) run(ctx context.Context) {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo && r.pli > 0 {
		go r.requestKeyframes(ctx)
	}
	defer func() {
		r.log.Info().
			Uint64("packets", r.stats.packets).
			Uint64("bytes", r.stats.bytes).
			Uint64("lost", r.stats.lost).
			Msg("remote track finished")
	}()
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return
		}
		r.stats.observe(pkt)
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *remoteReader) requestKeyframes(ctx context.Context) {
	ticker := time.NewTicker(r.pli)
	defer ticker.Stop()
	ssrc := uint32(r.track.SSRC())
	for {
		if err := r.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			r.log.Debug().Err(err).Msg("write PLI")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
