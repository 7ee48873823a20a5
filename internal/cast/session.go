// Package cast assembles one casting session: it owns the renderer control
// client and the output manager, and exposes the per-track lifecycle hooks
// the upstream stream producer drives.
package cast

import (
	"context"
	"log/slog"

	"go2tv.app/castout/internal/adapters"
	"go2tv.app/castout/internal/config"
	"go2tv.app/castout/internal/domain"
	"go2tv.app/castout/internal/output"
	"go2tv.app/castout/internal/renderer"
)

// Collaborators bundles the external seams a session is built on.
type Collaborators struct {
	Factory   adapters.PipelineFactory
	Gateway   adapters.DeviceGateway
	Transport adapters.ActionTransport
	Decisions adapters.DecisionSource
	Logger    *slog.Logger
}

// Session is the single logical owner of one casting flow. The caller
// must not invoke a session concurrently; all hooks are serialized by the
// producer driving them.
type Session struct {
	renderer      *renderer.Renderer
	output        *output.Manager
	supportsVideo bool
	logger        *slog.Logger
}

// NewSession validates the configuration and wires the session. A missing
// device URL is fatal: the session never becomes active.
func NewSession(cfg *config.Config, deps Collaborators) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Factory == nil || deps.Gateway == nil || deps.Transport == nil {
		return nil, domain.NewError(domain.CodeInternal, "session collaborators are incomplete")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rend, err := renderer.New(cfg.DeviceURL, cfg.BaseURL, deps.Gateway, deps.Transport, logger)
	if err != nil {
		return nil, err
	}

	mgr := output.NewManager(deps.Factory, deps.Gateway, rend, deps.Decisions, output.Options{
		HTTPPort:          cfg.HTTPPort,
		SupportsVideo:     cfg.Video,
		ConversionQuality: cfg.ConversionQuality,
		ShowPerfWarning:   cfg.ShowPerfWarning,
	}, logger)

	return &Session{
		renderer:      rend,
		output:        mgr,
		supportsVideo: cfg.Video,
		logger:        logger,
	}, nil
}

// AddTrack registers a new elementary stream. Video tracks are rejected
// outright when the session is configured without video support; the
// rejection creates no binding and does not dirty the chain.
func (s *Session) AddTrack(format domain.TrackFormat) (output.TrackID, error) {
	if !s.supportsVideo && format.Category != domain.CategoryAudio {
		return 0, domain.NewError(domain.CodeVideoUnsupported, "session is audio-only")
	}
	id := s.output.AddTrack(format)
	s.logger.Debug("track added",
		slog.Uint64("track", uint64(id)),
		slog.String("category", string(format.Category)),
		slog.String("codec", format.Codec.String()))
	return id, nil
}

// RemoveTrack releases a track and its live sink, if any.
func (s *Session) RemoveTrack(ctx context.Context, id output.TrackID) {
	s.output.RemoveTrack(ctx, id)
}

// Send reconciles the chain when the track set changed, then forwards the
// payload into the track's sink. An error means the payload was not
// accepted and the producer should drop it.
func (s *Session) Send(ctx context.Context, id output.TrackID, payload []byte) error {
	return s.output.Send(ctx, id, payload)
}

// Flush signals a coarse discontinuity on the track: the sink is flushed
// and the whole chain rebuilt on the next delivery.
func (s *Session) Flush(id output.TrackID) {
	s.output.Flush(id)
}

// Renderer exposes the control client for diagnostic flows (probe).
func (s *Session) Renderer() *renderer.Renderer {
	return s.renderer
}

// Close releases the live chain. When one was serving, playback on the
// device is stopped on a best-effort basis so the renderer does not keep
// polling a dead URL.
func (s *Session) Close(ctx context.Context) {
	if !s.output.Close() {
		return
	}
	if err := s.renderer.Stop(ctx); err != nil {
		s.logger.Debug("stop on close failed", slog.String("error", err.Error()))
	}
}
