package diagnostics

import "os/exec"

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// DependencyReport describes the external tools the output chain can use.
// Remux-only casting works without either binary; conversion needs ffmpeg.
type DependencyReport struct {
	FFmpeg         BinaryStatus `json:"ffmpeg"`
	FFprobe        BinaryStatus `json:"ffprobe"`
	TranscodeReady bool         `json:"transcode_ready"`
}

func DetectDependencies() DependencyReport {
	ffmpeg := detectBinary("ffmpeg")
	ffprobe := detectBinary("ffprobe")

	return DependencyReport{
		FFmpeg:         ffmpeg,
		FFprobe:        ffprobe,
		TranscodeReady: ffmpeg.Found,
	}
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}
