// Package pipeline realizes the textual chain descriptions emitted by the
// output manager: an optional transcode stage feeding an HTTP re-serve
// stage. The description grammar is stage:stage with name{key=value,...}
// stages; values may themselves be name{...} blocks.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// ChainSpec is a parsed chain description.
type ChainSpec struct {
	Transcode *TranscodeSpec
	HTTP      HTTPSpec
}

// TranscodeSpec describes the conversion stage. Empty codec fields mean
// "copy through".
type TranscodeSpec struct {
	AudioCodec   string
	AudioEncoder string
	VideoCodec   string
	VideoEncoder string
	VideoPreset  string
}

// HTTPSpec describes the re-serve stage.
type HTTPSpec struct {
	Port int
	Path string
	Mux  string
	MIME string
}

// ParseChain parses a chain description. The HTTP stage is mandatory and
// must be last; a transcode stage, when present, must precede it.
func ParseChain(desc string) (*ChainSpec, error) {
	stages := splitTop(desc, ':')
	if len(stages) == 0 {
		return nil, fmt.Errorf("empty chain description")
	}

	spec := &ChainSpec{}
	for i, stage := range stages {
		name, opts, err := parseStage(stage)
		if err != nil {
			return nil, err
		}
		switch name {
		case "transcode":
			if i != 0 {
				return nil, fmt.Errorf("transcode stage must come first in %q", desc)
			}
			ts, err := parseTranscode(opts)
			if err != nil {
				return nil, err
			}
			spec.Transcode = ts
		case "http":
			if i != len(stages)-1 {
				return nil, fmt.Errorf("http stage must be last in %q", desc)
			}
			hs, err := parseHTTP(opts)
			if err != nil {
				return nil, err
			}
			spec.HTTP = hs
		default:
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	if spec.HTTP.Path == "" {
		return nil, fmt.Errorf("chain %q has no http stage", desc)
	}
	return spec, nil
}

func parseStage(stage string) (name string, opts map[string]string, err error) {
	open := strings.IndexByte(stage, '{')
	if open < 0 || !strings.HasSuffix(stage, "}") {
		return "", nil, fmt.Errorf("malformed stage %q", stage)
	}
	name = stage[:open]
	opts = map[string]string{}
	for _, opt := range splitTop(stage[open+1:len(stage)-1], ',') {
		if opt == "" {
			continue
		}
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return "", nil, fmt.Errorf("malformed option %q in stage %s", opt, name)
		}
		opts[key] = value
	}
	return name, opts, nil
}

func parseTranscode(opts map[string]string) (*TranscodeSpec, error) {
	ts := &TranscodeSpec{
		AudioCodec: opts["acodec"],
		VideoCodec: opts["vcodec"],
	}
	if enc := opts["aenc"]; enc != "" {
		name, encOpts, err := parseStage(enc)
		if err != nil {
			return nil, fmt.Errorf("aenc: %w", err)
		}
		ts.AudioEncoder = name
		_ = encOpts // encoder codec is implied by acodec
	}
	if enc := opts["venc"]; enc != "" {
		name, encOpts, err := parseStage(enc)
		if err != nil {
			return nil, fmt.Errorf("venc: %w", err)
		}
		ts.VideoEncoder = name
		ts.VideoPreset = encOpts["preset"]
	}
	if ts.AudioCodec == "" && ts.VideoCodec == "" {
		return nil, fmt.Errorf("transcode stage converts nothing")
	}
	return ts, nil
}

func parseHTTP(opts map[string]string) (HTTPSpec, error) {
	hs := HTTPSpec{Mux: opts["mux"]}

	dst := opts["dst"]
	if !strings.HasPrefix(dst, ":") {
		return hs, fmt.Errorf("http dst %q must be :port/path", dst)
	}
	slash := strings.IndexByte(dst, '/')
	if slash < 0 {
		return hs, fmt.Errorf("http dst %q has no resource path", dst)
	}
	port, err := strconv.Atoi(dst[1:slash])
	if err != nil {
		return hs, fmt.Errorf("http dst port: %w", err)
	}
	hs.Port = port
	hs.Path = dst[slash:]

	if access := opts["access"]; access != "" {
		name, accessOpts, err := parseStage(access)
		if err != nil || name != "http" {
			return hs, fmt.Errorf("unsupported access %q", access)
		}
		hs.MIME = accessOpts["mime"]
	}
	if hs.Mux == "" {
		return hs, fmt.Errorf("http stage needs a mux")
	}
	return hs, nil
}

// splitTop splits s on sep at brace depth zero.
func splitTop(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
