package domain

import "strings"

// Category partitions elementary streams for capability negotiation.
type Category string

const (
	CategoryAudio Category = "audio"
	CategoryVideo Category = "video"
)

// FourCC is a four character codec identifier, packed big-endian so that
// NewFourCC("mp4a").String() == "mp4a".
type FourCC uint32

func NewFourCC(code string) FourCC {
	var f FourCC
	for i := 0; i < 4 && i < len(code); i++ {
		f |= FourCC(code[i]) << (24 - 8*i)
	}
	return f
}

func (f FourCC) String() string {
	b := [4]byte{
		byte(f >> 24),
		byte(f >> 16),
		byte(f >> 8),
		byte(f),
	}
	return strings.TrimRight(string(b[:]), "\x00")
}

// AudioFormat carries pass-through audio parameters. The core never
// interprets them beyond handing them to the pipeline.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// VideoFormat carries pass-through video parameters.
type VideoFormat struct {
	Width     int
	Height    int
	FrameRate int
}

// TrackFormat describes one elementary stream offered to a cast session.
type TrackFormat struct {
	Category Category
	Codec    FourCC
	Audio    *AudioFormat
	Video    *VideoFormat
}
