package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"go2tv.app/castout/internal/adapters"
	"go2tv.app/castout/internal/domain"
)

const serverShutdownTimeout = 3 * time.Second

// Factory realizes chain descriptions. It satisfies
// adapters.PipelineFactory.
//
// The HTTP side is shared: one listener and server per port, with chains
// registering their resource path on it. Two chains on the same port can
// coexist, which the rebuild handover depends on: the replacement chain
// must be serving before the old one is torn down.
type Factory struct {
	logger *slog.Logger

	// Seams for tests.
	lookPath func(file string) (string, error)
	listen   func(network, addr string) (net.Listener, error)

	mu      sync.Mutex
	servers map[int]*portServer
}

func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Factory{
		logger:   logger,
		lookPath: exec.LookPath,
		listen:   net.Listen,
		servers:  map[int]*portServer{},
	}
}

// CreateChain parses desc, spawns ffmpeg when a transcode stage is
// present, and registers the resource path on the port's shared server.
// All acquired resources are released if any construction step fails.
func (f *Factory) CreateChain(desc string) (adapters.Pipeline, error) {
	spec, err := ParseChain(desc)
	if err != nil {
		return nil, domain.WrapError(domain.CodeChainCreateFailed, "bad chain description", err)
	}

	c := &chain{
		spec:   spec,
		logger: f.logger,
		out:    newBroadcaster(),
		sinks:  map[adapters.SinkID]sinkState{},
	}

	if spec.Transcode != nil {
		ffmpegPath, lookErr := f.lookPath("ffmpeg")
		if lookErr != nil {
			return nil, domain.WrapError(domain.CodeChainCreateFailed, "transcode stage needs ffmpeg", lookErr)
		}
		if startErr := c.startTranscoder(ffmpegPath); startErr != nil {
			return nil, startErr
		}
	} else {
		c.input = nopWriteCloser{c.out}
	}

	router := chi.NewRouter()
	router.Get(spec.HTTP.Path, c.serveStream)
	deregister, err := f.registerRoute(spec.HTTP.Port, spec.HTTP.Path, router)
	if err != nil {
		c.releaseTranscoder()
		return nil, err
	}
	c.deregister = deregister

	f.logger.Debug("chain created",
		slog.String("path", spec.HTTP.Path),
		slog.Bool("transcoding", spec.Transcode != nil))
	return c, nil
}

// registerRoute binds path on the port's shared server, starting the
// server on first use, and returns the matching deregistration hook.
func (f *Factory) registerRoute(port int, path string, handler http.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps, ok := f.servers[port]
	if !ok {
		ln, err := f.listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, domain.WrapError(domain.CodeChainCreateFailed,
				fmt.Sprintf("cannot listen on port %d", port), err)
		}
		ps = newPortServer(f.logger, ln)
		f.servers[port] = ps
	}
	if err := ps.add(path, handler); err != nil {
		return nil, domain.WrapError(domain.CodeChainCreateFailed,
			fmt.Sprintf("cannot serve %s on port %d", path, port), err)
	}

	return func() { f.deregisterRoute(port, path) }, nil
}

// deregisterRoute drops a path; the port's server shuts down once its last
// path is gone, freeing the port.
func (f *Factory) deregisterRoute(port int, path string) {
	f.mu.Lock()
	ps, ok := f.servers[port]
	if !ok {
		f.mu.Unlock()
		return
	}
	empty := ps.remove(path)
	if empty {
		delete(f.servers, port)
	}
	f.mu.Unlock()

	if empty {
		ps.shutdown()
	}
}

// portServer is one shared listener + HTTP server, dispatching requests to
// whichever chain currently owns the requested resource path.
type portServer struct {
	logger *slog.Logger
	server *http.Server

	mu     sync.Mutex
	routes map[string]http.Handler
}

func newPortServer(logger *slog.Logger, ln net.Listener) *portServer {
	ps := &portServer{
		logger: logger,
		routes: map[string]http.Handler{},
	}
	ps.server = &http.Server{Handler: ps}
	go func() {
		if err := ps.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("chain http server stopped", slog.String("error", err.Error()))
		}
	}()
	return ps
}

func (ps *portServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	handler, ok := ps.routes[r.URL.Path]
	ps.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	handler.ServeHTTP(w, r)
}

func (ps *portServer) add(path string, handler http.Handler) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.routes[path]; exists {
		return fmt.Errorf("resource path %s already registered", path)
	}
	ps.routes[path] = handler
	return nil
}

func (ps *portServer) remove(path string) (empty bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.routes, path)
	return len(ps.routes) == 0
}

func (ps *portServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := ps.server.Shutdown(ctx); err != nil {
		ps.logger.Warn("chain http server shutdown", slog.String("error", err.Error()))
	}
}

type sinkState struct {
	format domain.TrackFormat
}

// chain is one live pipeline instance: an optional ffmpeg transcoder
// between the sink writes and the broadcaster, plus a resource path
// registration streaming the broadcaster to renderer fetches.
type chain struct {
	spec   *ChainSpec
	logger *slog.Logger

	input io.WriteCloser
	out   *broadcaster

	cmd     *exec.Cmd
	cmdDone chan struct{}

	deregister func()

	mu       sync.Mutex
	nextSink adapters.SinkID
	sinks    map[adapters.SinkID]sinkState
	closed   bool
}

func (c *chain) startTranscoder(ffmpegPath string) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
	t := c.spec.Transcode
	if t.AudioCodec != "" {
		args = append(args, "-c:a", "aac")
	} else {
		args = append(args, "-c:a", "copy")
	}
	if t.VideoCodec != "" {
		preset := t.VideoPreset
		if preset == "" {
			preset = "veryfast"
		}
		args = append(args, "-c:v", "libx264", "-preset", preset)
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args, "-f", "mp4", "-movflags", "frag_keyframe+empty_moov", "pipe:1")

	cmd := exec.Command(ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return domain.WrapError(domain.CodeChainCreateFailed, "transcoder stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.WrapError(domain.CodeChainCreateFailed, "transcoder stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return domain.WrapError(domain.CodeChainCreateFailed, "transcoder start", err)
	}

	c.cmd = cmd
	c.cmdDone = make(chan struct{})
	c.input = stdin
	go func() {
		defer close(c.cmdDone)
		if _, copyErr := io.Copy(c.out, stdout); copyErr != nil && copyErr != io.ErrClosedPipe {
			c.logger.Debug("transcoder output ended", slog.String("error", copyErr.Error()))
		}
		_ = cmd.Wait()
	}()
	return nil
}

func (c *chain) releaseTranscoder() {
	if c.input != nil {
		_ = c.input.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	if c.cmdDone != nil {
		<-c.cmdDone
	}
}

func (c *chain) serveStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", c.spec.HTTP.MIME)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	id, ch := c.out.subscribe()
	defer c.out.unsubscribe(id)

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// AddSink accepts a track into the chain. The manager has already
// classified tracks; the chain only refuses categories the mux cannot
// carry at all.
func (c *chain) AddSink(format domain.TrackFormat) (adapters.SinkID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, domain.NewError(domain.CodeChainCreateFailed, "chain is closed")
	}
	switch format.Category {
	case domain.CategoryAudio, domain.CategoryVideo:
	default:
		return 0, fmt.Errorf("can't handle %s stream", format.Category)
	}
	c.nextSink++
	c.sinks[c.nextSink] = sinkState{format: format}
	return c.nextSink, nil
}

func (c *chain) RemoveSink(id adapters.SinkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, id)
}

// Send forwards payload bytes into the chain input. Tracks are already
// interleaved by the producer; the chain does not reorder.
func (c *chain) Send(id adapters.SinkID, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.NewError(domain.CodeTrackNotBound, "chain is closed")
	}
	if _, ok := c.sinks[id]; !ok {
		c.mu.Unlock()
		return domain.NewError(domain.CodeTrackNotBound, "unknown sink")
	}
	input := c.input
	c.mu.Unlock()

	if _, err := input.Write(payload); err != nil {
		return domain.WrapError(domain.CodeInternal, "chain write failed", err)
	}
	return nil
}

// FlushSink is a no-op per sink: the chain buffers nothing per track, and
// discontinuities are handled by the manager tearing the chain down.
func (c *chain) FlushSink(adapters.SinkID) {}

// Close deregisters the resource path, terminates the transcoder and
// releases every sink. The port's shared server stays up while other
// chains still serve on it.
func (c *chain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id := range c.sinks {
		delete(c.sinks, id)
	}
	c.mu.Unlock()

	c.releaseTranscoder()
	_ = c.out.Close()
	if c.deregister != nil {
		c.deregister()
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
