//go:build linux

package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
)

// SystemProvider captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo).
type SystemProvider struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

func NewSystemProvider() (*SystemProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	p := &SystemProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log.With().Str("module", "adapters.devices").Logger(),
	}
	for _, d := range mediadevices.EnumerateDevices() {
		p.log.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}
	return p, nil
}

func (p *SystemProvider) RequestMedia(ctx context.Context, req core.MediaRequest) ([]core.LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if req.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only, some cameras expose broken MJPEG nodes
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if req.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMediaAcquisitionDenied, err)
	}
	raw := stream.GetTracks()
	if ctx.Err() != nil {
		for _, t := range raw {
			_ = t.Close()
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrMediaAcquisitionDenied, ctx.Err())
	}

	streamID := uuid.NewString()
	out := make([]core.LocalTrack, 0, len(raw))
	for _, src := range raw {
		t, err := p.wrap(src, streamID)
		if err != nil {
			for _, t := range out {
				_ = t.Stop()
			}
			for _, t := range raw {
				_ = t.Close()
			}
			return nil, fmt.Errorf("%w: %v", errs.ErrMediaAcquisitionDenied, err)
		}
		out = append(out, t)
	}
	p.log.Info().Int("tracks", len(out)).Bool("video", req.Video).Bool("audio", req.Audio).Msg("captured local media")
	return out, nil
}

func (p *SystemProvider) wrap(src mediadevices.Track, streamID string) (*sampleTrack, error) {
	kind, mime, rate := domain.TrackAudio, webrtc.MimeTypeOpus, audioClockRate
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		kind, mime, rate = domain.TrackVideo, webrtc.MimeTypeVP8, videoClockRate
	}

	reader, err := src.NewEncodedReader(mime)
	if err != nil {
		return nil, err
	}
	t, err := newSampleTrack(kind, src.ID(), streamID, func() error {
		return errors.Join(reader.Close(), src.Close())
	})
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	src.OnEnded(func(err error) {
		if err != nil {
			p.log.Warn().Err(err).Str("track", src.ID()).Msg("local track ended")
		}
	})
	go p.pump(t, reader, rate)
	return t, nil
}

// pump copies encoded frames into the sample track until the reader closes.
func (p *SystemProvider) pump(t *sampleTrack, r mediadevices.EncodedReadCloser, clockRate int) {
	for {
		buf, release, err := r.Read()
		if err != nil {
			if !t.Stopped() {
				p.log.Warn().Err(err).Str("track", t.ID()).Msg("encoded reader stopped")
			}
			return
		}
		sample := media.Sample{
			Data:     append([]byte(nil), buf.Data...),
			Duration: time.Duration(buf.Samples) * time.Second / time.Duration(clockRate),
		}
		release()
		if err := t.WriteSample(sample); err != nil {
			p.log.Debug().Err(err).Str("track", t.ID()).Msg("write sample")
		}
	}
}
