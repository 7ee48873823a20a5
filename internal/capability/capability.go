// Package capability holds the remux/transcode decision policy for the
// renderer device class castout targets. The policy is deliberately a
// fixed safe baseline rather than a negotiated capability list: exactly
// one audio and one video codec are accepted for remux, everything else
// is converted to those targets.
package capability

import "go2tv.app/castout/internal/domain"

var (
	// AudioTarget is the only audio codec accepted for remux and the
	// conversion target for everything else.
	AudioTarget = domain.NewFourCC("mp4a")
	// VideoTarget is the video equivalent of AudioTarget.
	VideoTarget = domain.NewFourCC("h264")
)

// CanRemuxAudio reports whether an audio track with the given codec can be
// repackaged without re-encoding.
func CanRemuxAudio(codec domain.FourCC) bool {
	return codec == AudioTarget
}

// CanRemuxVideo reports whether a video track with the given codec can be
// repackaged without re-encoding.
func CanRemuxVideo(codec domain.FourCC) bool {
	return codec == VideoTarget
}

// CanRemux dispatches on the track category.
func CanRemux(category domain.Category, codec domain.FourCC) bool {
	switch category {
	case domain.CategoryAudio:
		return CanRemuxAudio(codec)
	case domain.CategoryVideo:
		return CanRemuxVideo(codec)
	default:
		return false
	}
}
