// Package output owns the track registry and the single live output chain
// of a cast session. Track changes mark the state dirty; the next data
// delivery reconciles, rebuilding the chain and re-pointing the renderer
// only when the codec set actually changed. The lazy two-phase contract is
// deliberate: rebuilding eagerly on every add/remove would thrash the
// chain during rapid track negotiation.
package output

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go2tv.app/castout/internal/adapters"
	"go2tv.app/castout/internal/capability"
	"go2tv.app/castout/internal/domain"
)

const (
	resourceTag  = "castout"
	resourceLeaf = "stream"
	muxFormat    = "mp4stream"
	serveMIME    = "video/mp4"

	playSpeedNormal = "1"
)

// Controller is the slice of the renderer control client the manager
// drives. The session owns the real client; the manager only borrows it.
type Controller interface {
	Play(ctx context.Context, speed string) error
	Stop(ctx context.Context) error
	SetCurrentURI(ctx context.Context, uri string) error
}

// TrackID is the opaque handle callers use for a registered track.
type TrackID uint64

type track struct {
	id     TrackID
	format domain.TrackFormat
}

// chain is the live pipeline instance plus its resource path and the
// bindings it holds. Bindings never outlive their chain: teardown clears
// them before the pipeline is disposed.
type chain struct {
	pipeline adapters.Pipeline
	path     string
	bindings map[TrackID]adapters.SinkID
}

// Options carries the session configuration the manager needs.
type Options struct {
	HTTPPort          int
	SupportsVideo     bool
	ConversionQuality int
	ShowPerfWarning   bool
}

// Manager reconciles the registered tracks against at most one live
// chain. Not safe for concurrent use; the session serializes all calls.
type Manager struct {
	factory    adapters.PipelineFactory
	gateway    adapters.DeviceGateway
	controller Controller
	decisions  adapters.DecisionSource
	logger     *slog.Logger
	opts       Options

	// Seams for tests.
	now        func() time.Time
	randUint64 func() uint64

	nextID           TrackID
	tracks           []*track
	current          *chain
	dirty            bool
	perfWarningShown bool
}

func NewManager(factory adapters.PipelineFactory, gateway adapters.DeviceGateway, controller Controller, decisions adapters.DecisionSource, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		factory:    factory,
		gateway:    gateway,
		controller: controller,
		decisions:  decisions,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		randUint64: cryptoRandUint64,
	}
}

// AddTrack registers a track and marks the chain dirty. Category filtering
// happens in the session glue; every track handed to the manager is
// eligible for classification.
func (m *Manager) AddTrack(format domain.TrackFormat) TrackID {
	m.nextID++
	m.tracks = append(m.tracks, &track{id: m.nextID, format: format})
	m.dirty = true
	return m.nextID
}

// RemoveTrack unregisters a track, removing its live sink if it had one.
// Emptying the bound set tears the whole chain down and stops the
// renderer: there is nothing left to serve.
func (m *Manager) RemoveTrack(ctx context.Context, id TrackID) {
	idx := -1
	for i, t := range m.tracks {
		if t.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	m.tracks = append(m.tracks[:idx], m.tracks[idx+1:]...)
	m.dirty = true

	if m.current == nil {
		return
	}
	if sink, ok := m.current.bindings[id]; ok {
		m.current.pipeline.RemoveSink(sink)
		delete(m.current.bindings, id)
	}
	if len(m.current.bindings) == 0 {
		c := m.current
		m.current = nil
		if err := c.pipeline.Close(); err != nil {
			m.logger.Warn("failed to close chain", slog.String("error", err.Error()))
		}
		if err := m.controller.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop renderer", slog.String("error", err.Error()))
		}
	}
}

// Send reconciles if needed, then forwards payload into the track's sink.
// A track with no binding in the current chain reports an error so the
// producer can drop the payload cleanly.
func (m *Manager) Send(ctx context.Context, id TrackID, payload []byte) error {
	if m.find(id) == nil {
		return domain.NewError(domain.CodeUnknownTrack, "unknown track handle")
	}
	if m.dirty {
		if err := m.Reconcile(ctx); err != nil {
			return err
		}
	}
	if m.current == nil {
		return domain.NewError(domain.CodeTrackNotBound, "no live chain to receive payload")
	}
	sink, ok := m.current.bindings[id]
	if !ok {
		return domain.NewError(domain.CodeTrackNotBound, "track has no sink in the current chain")
	}
	return m.current.pipeline.Send(sink, payload)
}

// Flush flushes the track's sink if bound, then tears the whole chain down
// and marks dirty. Flush is a coarse discontinuity signal; a full rebuild
// on the next delivery is cheaper than patching a half-drained chain.
func (m *Manager) Flush(id TrackID) {
	if m.current != nil {
		if sink, ok := m.current.bindings[id]; ok {
			m.current.pipeline.FlushSink(sink)
		}
		c := m.current
		m.current = nil
		m.teardown(c)
	}
	m.dirty = true
}

// Close disposes the live chain, if any, and reports whether one existed.
// The renderer is left as-is; the session decides whether to stop playback
// on shutdown.
func (m *Manager) Close() bool {
	if m.current == nil {
		return false
	}
	c := m.current
	m.current = nil
	m.teardown(c)
	return true
}

func (m *Manager) find(id TrackID) *track {
	for _, t := range m.tracks {
		if t.id == id {
			return t
		}
	}
	return nil
}

// teardown flushes and removes every binding, then disposes the pipeline.
func (m *Manager) teardown(c *chain) {
	for id, sink := range c.bindings {
		c.pipeline.FlushSink(sink)
		c.pipeline.RemoveSink(sink)
		delete(c.bindings, id)
	}
	if err := c.pipeline.Close(); err != nil {
		m.logger.Warn("failed to close chain", slog.String("error", err.Error()))
	}
}

// Reconcile rebuilds the output chain from the current track registry.
// No-op when the registry has not changed since the last completed run.
//
// The previous chain is torn down only after the new one is confirmed
// viable, so a failed rebuild never interrupts what is already serving.
func (m *Manager) Reconcile(ctx context.Context) error {
	if !m.dirty {
		return nil
	}

	var audioCodec, videoCodec domain.FourCC
	var originalAudio, originalVideo *track
	var eligible []*track

	for _, t := range m.tracks {
		switch t.format.Category {
		case domain.CategoryAudio:
			if !capability.CanRemuxAudio(t.format.Codec) {
				m.logger.Debug("can't remux audio track",
					slog.Uint64("track", uint64(t.id)),
					slog.String("codec", t.format.Codec.String()))
				originalAudio = t
			} else if audioCodec == 0 {
				audioCodec = t.format.Codec
			}
			eligible = append(eligible, t)
		case domain.CategoryVideo:
			if !m.opts.SupportsVideo {
				continue
			}
			if !capability.CanRemuxVideo(t.format.Codec) {
				m.logger.Debug("can't remux video track",
					slog.Uint64("track", uint64(t.id)),
					slog.String("codec", t.format.Codec.String()))
				originalVideo = t
			} else if videoCodec == 0 {
				videoCodec = t.format.Codec
			}
			eligible = append(eligible, t)
		}
	}

	if len(eligible) == 0 {
		// Nothing to output yet. Completed run, nothing to retry.
		m.dirty = false
		return nil
	}

	// A category converts only when no remuxable representative exists for
	// it. A mix of remuxable and non-remuxable codecs in one category stays
	// remux-only: the representative carries the chain.
	convertAudio := audioCodec == 0 && originalAudio != nil
	convertVideo := videoCodec == 0 && originalVideo != nil

	var desc strings.Builder
	if convertAudio || convertVideo {
		if convertVideo {
			if err := m.confirmVideoConversion(); err != nil {
				// A declined conversion is a clean "did not start",
				// not a retryable failure; don't re-prompt per packet.
				m.dirty = false
				return err
			}
		}
		desc.WriteString("transcode{")
		if convertAudio {
			audioCodec = capability.AudioTarget
			m.logger.Debug("converting audio", slog.String("codec", audioCodec.String()))
			fmt.Fprintf(&desc, "acodec=%s,aenc=avcodec{codec=aac},", audioCodec)
		}
		if convertVideo {
			videoCodec = capability.VideoTarget
			m.logger.Debug("converting video", slog.String("codec", videoCodec.String()))
			fmt.Fprintf(&desc, "vcodec=%s,venc=x264{preset=%s},", videoCodec, presetForQuality(m.opts.ConversionQuality))
		}
		desc.WriteString("}:")
	}

	path := fmt.Sprintf("/%s/%d/%d/%s", resourceTag, m.now().UnixNano(), m.randUint64(), resourceLeaf)
	fmt.Fprintf(&desc, "http{dst=:%d%s,mux=%s,access=http{mime=%s}}", m.opts.HTTPPort, path, muxFormat, serveMIME)

	m.logger.Debug("creating chain", slog.String("chain", desc.String()))
	pipeline, err := m.factory.CreateChain(desc.String())
	if err != nil {
		// Existing chain keeps serving; dirty stays set for a retry.
		return domain.WrapError(domain.CodeChainCreateFailed, "could not create output chain", err)
	}

	bindings := make(map[TrackID]adapters.SinkID, len(eligible))
	for _, t := range eligible {
		sink, sinkErr := pipeline.AddSink(t.format)
		if sinkErr != nil {
			// Dropped from the output set, not an overall failure.
			m.logger.Warn("chain rejected track",
				slog.Uint64("track", uint64(t.id)),
				slog.String("codec", t.format.Codec.String()),
				slog.String("error", sinkErr.Error()))
			continue
		}
		bindings[t.id] = sink
	}
	if len(bindings) == 0 {
		if closeErr := pipeline.Close(); closeErr != nil {
			m.logger.Warn("failed to close rejected chain", slog.String("error", closeErr.Error()))
		}
		return domain.NewError(domain.CodeNoEligibleTracks, "no track survived sink negotiation")
	}

	old := m.current
	m.current = &chain{pipeline: pipeline, path: path, bindings: bindings}
	if old != nil {
		m.teardown(old)
	}

	ip, err := m.gateway.LocalAddress()
	if err != nil {
		// Data can flow into the new chain, but the renderer was never
		// told where to fetch it. Dirty stays set so the next delivery
		// retries address resolution.
		return domain.WrapError(domain.CodeAddressUnavailable, "could not get the local ip address", err)
	}

	uri := fmt.Sprintf("http://%s:%d%s", ip, m.opts.HTTPPort, path)
	m.logger.Info("AVTransportURI", slog.String("uri", uri))

	if err := m.controller.Stop(ctx); err != nil {
		return err
	}
	if err := m.controller.SetCurrentURI(ctx, uri); err != nil {
		return err
	}
	if err := m.controller.Play(ctx, playSpeedNormal); err != nil {
		return err
	}

	m.dirty = false
	return nil
}

func (m *Manager) confirmVideoConversion() error {
	if m.perfWarningShown || !m.opts.ShowPerfWarning || m.decisions == nil {
		return nil
	}
	switch m.decisions.RequestTranscodeConsent() {
	case adapters.DecisionDecline:
		return domain.NewError(domain.CodeConsentDeclined, "video conversion declined")
	case adapters.DecisionApproveAndRemember:
		m.perfWarningShown = true
		if err := m.decisions.PersistSkip(); err != nil {
			m.logger.Warn("failed to persist conversion warning skip", slog.String("error", err.Error()))
		}
	case adapters.DecisionApprove:
		m.perfWarningShown = true
	}
	return nil
}

func presetForQuality(quality int) string {
	switch {
	case quality <= 0:
		return "ultrafast"
	case quality == 1:
		return "veryfast"
	case quality == 2:
		return "medium"
	default:
		return "slow"
	}
}

func cryptoRandUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}
