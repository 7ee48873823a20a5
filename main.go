package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"go2tv.app/castout/internal/adapters/console"
	"go2tv.app/castout/internal/adapters/upnp"
	"go2tv.app/castout/internal/buildinfo"
	"go2tv.app/castout/internal/cast"
	"go2tv.app/castout/internal/config"
	"go2tv.app/castout/internal/diagnostics"
	"go2tv.app/castout/internal/lifecycle"
	"go2tv.app/castout/internal/observability"
	"go2tv.app/castout/internal/pipeline"
	"go2tv.app/castout/internal/renderer"
)

const probeTimeout = 15 * time.Second

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Wiring struct {
		DeviceConfigured bool `json:"device_configured"`
		GatewayWired     bool `json:"gateway_wired"`
		TransportWired   bool `json:"transport_wired"`
		PipelineWired    bool `json:"pipeline_wired"`
	} `json:"wiring"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	selfTest := flag.Bool("self-test", false, "run dependency and wiring diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	probe := flag.Bool("probe", false, "resolve the renderer's control endpoints then exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	store := config.NewStore(*configPath)
	cfg, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stderr, cfg.Logging)

	gateway := upnp.NewGateway(cfg.DeviceURL)
	transport := upnp.NewSOAPTransport()
	factory := pipeline.NewFactory(logger)
	decisions := console.New(os.Stdin, os.Stderr, store.PersistSkipPerfWarning)

	if *selfTest {
		out := selfTestOutput{
			Dependencies: diagnostics.DetectDependencies(),
		}
		out.Server.Name = "castout"
		out.Server.Version = buildinfo.Version
		out.Wiring.DeviceConfigured = cfg.DeviceURL != ""
		out.Wiring.GatewayWired = gateway != nil
		out.Wiring.TransportWired = transport != nil
		out.Wiring.PipelineWired = factory != nil

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	session, err := cast.NewSession(cfg, cast.Collaborators{
		Factory:   factory,
		Gateway:   gateway,
		Transport: transport,
		Decisions: decisions,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *probe {
		if err := runProbe(runCtx, session.Renderer()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger.Info("castout_start",
		slog.String("version", buildinfo.Version),
		slog.String("device", cfg.DeviceURL),
		slog.Bool("video", cfg.Video))

	// The session is driven by a stream producer attaching through the
	// cast package. Standalone runs just hold the session open until a
	// termination signal arrives.
	<-runCtx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	session.Close(shutdownCtx)
	logger.Info("castout_stop")
}

// runProbe resolves both control endpoints and asks the device what it can
// play, exercising the full control path without sending media.
func runProbe(ctx context.Context, rend *renderer.Renderer) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	for _, serviceType := range []string{renderer.AVTransportServiceType, renderer.ConnectionManagerServiceType} {
		controlURL, err := rend.ServiceURL(probeCtx, serviceType, renderer.ControlURLField)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", serviceType, err)
		}
		fmt.Printf("%s\n  control: %s\n", serviceType, controlURL)
	}

	source, sink, err := rend.ProtocolInfo(probeCtx)
	if err != nil {
		return fmt.Errorf("GetProtocolInfo: %w", err)
	}
	fmt.Printf("protocol info\n  source: %s\n  sink: %s\n", source, sink)
	return nil
}
