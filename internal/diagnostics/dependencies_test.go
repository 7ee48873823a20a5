package diagnostics

import (
	"errors"
	"testing"
)

func TestDetectDependencies(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() {
		lookPath = orig
	})

	lookPath = func(file string) (string, error) {
		switch file {
		case "ffmpeg":
			return "/usr/bin/ffmpeg", nil
		default:
			return "", errors.New("not found")
		}
	}

	report := DetectDependencies()
	if !report.FFmpeg.Found {
		t.Fatal("expected ffmpeg to be found")
	}
	if report.FFmpeg.Path != "/usr/bin/ffmpeg" {
		t.Fatalf("unexpected ffmpeg path: %s", report.FFmpeg.Path)
	}
	if report.FFprobe.Found {
		t.Fatal("expected ffprobe to be missing")
	}
	if !report.TranscodeReady {
		t.Fatal("expected TranscodeReady with ffmpeg present")
	}
}

func TestDetectDependenciesNoFFmpeg(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() {
		lookPath = orig
	})
	lookPath = func(string) (string, error) { return "", errors.New("not found") }

	report := DetectDependencies()
	if report.TranscodeReady {
		t.Fatal("expected TranscodeReady to be false without ffmpeg")
	}
}
