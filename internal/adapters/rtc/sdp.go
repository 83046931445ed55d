package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidDescription = errors.New("invalid session description")

// MediaSection summarises one m= line.
type MediaSection struct {
	Kind      string
	Mid       string
	Direction string
}

// DescribeMedia parses sd and lists its media sections in order.
func DescribeMedia(sd webrtc.SessionDescription) ([]MediaSection, error) {
	if sd.SDP == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrInvalidDescription, sd.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	out := make([]MediaSection, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		sec := MediaSection{Kind: md.MediaName.Media}
		if mid, ok := md.Attribute(sdp.AttrKeyMID); ok {
			sec.Mid = mid
		}
		for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
			if _, ok := md.Attribute(dir); ok {
				sec.Direction = dir
				break
			}
		}
		out = append(out, sec)
	}
	return out, nil
}

// ValidateDescription checks that sd is of the expected type and carries at
// least one audio or video section.
func ValidateDescription(sd webrtc.SessionDescription, want webrtc.SDPType) ([]MediaSection, error) {
	if sd.Type != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrInvalidDescription, sd.Type, want)
	}
	sections, err := DescribeMedia(sd)
	if err != nil {
		return nil, err
	}
	for _, s := range sections {
		if s.Kind == "audio" || s.Kind == "video" {
			return sections, nil
		}
	}
	return nil, fmt.Errorf("%w: no audio or video section", ErrInvalidDescription)
}
