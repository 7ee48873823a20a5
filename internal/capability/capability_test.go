package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go2tv.app/castout/internal/domain"
)

func TestCanRemuxAudio(t *testing.T) {
	tests := []struct {
		codec string
		want  bool
	}{
		{"mp4a", true},
		{"mpga", false},
		{"ac-3", false},
		{"opus", false},
		{"h264", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.codec, func(t *testing.T) {
			assert.Equal(t, tt.want, CanRemuxAudio(domain.NewFourCC(tt.codec)))
		})
	}
}

func TestCanRemuxVideo(t *testing.T) {
	tests := []struct {
		codec string
		want  bool
	}{
		{"h264", true},
		{"hevc", false},
		{"vp09", false},
		{"mp4v", false},
		{"mp4a", false},
	}

	for _, tt := range tests {
		t.Run(tt.codec, func(t *testing.T) {
			assert.Equal(t, tt.want, CanRemuxVideo(domain.NewFourCC(tt.codec)))
		})
	}
}

func TestCanRemuxIsPure(t *testing.T) {
	codec := domain.NewFourCC("flac")
	first := CanRemuxAudio(codec)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, CanRemuxAudio(codec))
	}
}

func TestCanRemuxDispatchesOnCategory(t *testing.T) {
	assert.True(t, CanRemux(domain.CategoryAudio, AudioTarget))
	assert.True(t, CanRemux(domain.CategoryVideo, VideoTarget))
	assert.False(t, CanRemux(domain.CategoryAudio, VideoTarget))
	assert.False(t, CanRemux(domain.CategoryVideo, AudioTarget))
	assert.False(t, CanRemux(domain.Category("subtitle"), AudioTarget))
}

func TestFourCCRoundTrip(t *testing.T) {
	for _, code := range []string{"mp4a", "h264", "ac-3", "vp09"} {
		assert.Equal(t, code, domain.NewFourCC(code).String())
	}
}
