// Package renderer drives the playback state machine of a remote UPnP
// MediaRenderer through AVTransport and ConnectionManager control actions.
package renderer

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"go2tv.app/castout/internal/adapters"
	"go2tv.app/castout/internal/domain"
)

// Service types and endpoint fields used by the casting flow.
const (
	AVTransportServiceType       = "urn:schemas-upnp-org:service:AVTransport:1"
	ConnectionManagerServiceType = "urn:schemas-upnp-org:service:ConnectionManager:1"

	ControlURLField  = "controlURL"
	EventSubURLField = "eventSubURL"
	SCPDURLField     = "SCPDURL"
)

const avTransportInstanceID = "0"

// Renderer is the control client for one remote device. It is owned by a
// single cast session and is not safe for concurrent use.
type Renderer struct {
	deviceURL string
	baseURL   string
	gateway   adapters.DeviceGateway
	transport adapters.ActionTransport
	logger    *slog.Logger
}

// New builds a control client. deviceURL is the device description
// location and is required; baseURL defaults to deviceURL when empty.
func New(deviceURL, baseURL string, gateway adapters.DeviceGateway, transport adapters.ActionTransport, logger *slog.Logger) (*Renderer, error) {
	deviceURL = strings.TrimSpace(deviceURL)
	if deviceURL == "" {
		return nil, domain.NewError(domain.CodeConfigMissingDeviceURL, "renderer device URL is required")
	}
	if gateway == nil || transport == nil {
		return nil, domain.NewError(domain.CodeInternal, "renderer gateway and transport are required")
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = deviceURL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Renderer{
		deviceURL: deviceURL,
		baseURL:   baseURL,
		gateway:   gateway,
		transport: transport,
		logger:    logger,
	}, nil
}

// DeviceURL returns the configured description location.
func (r *Renderer) DeviceURL() string { return r.deviceURL }

// Device description document shape. Embedded devices are walked too, so
// renderers that nest their AVTransport service under a sub-device still
// resolve.
type descriptionRoot struct {
	XMLName xml.Name          `xml:"root"`
	Device  descriptionDevice `xml:"device"`
}

type descriptionDevice struct {
	DeviceType string              `xml:"deviceType"`
	Services   []describedService  `xml:"serviceList>service"`
	Embedded   []descriptionDevice `xml:"deviceList>device"`
}

type describedService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

func (s describedService) field(name string) string {
	switch name {
	case ControlURLField:
		return s.ControlURL
	case EventSubURLField:
		return s.EventSubURL
	case SCPDURLField:
		return s.SCPDURL
	default:
		return ""
	}
}

// ServiceURL fetches the device description and returns the absolute URL
// of the requested endpoint field of the first service whose serviceType
// contains serviceType (case-sensitive substring, matching what renderers
// in the wild expect) and that carries the field. The description is
// re-fetched on every call; the device may have moved or changed between
// actions.
func (r *Renderer) ServiceURL(ctx context.Context, serviceType, field string) (string, error) {
	raw, err := r.gateway.FetchDescription(ctx, r.deviceURL)
	if err != nil {
		return "", domain.WrapError(domain.CodeRendererUnreachable, "failed to fetch device description", err)
	}

	var root descriptionRoot
	if err := xml.Unmarshal(raw, &root); err != nil {
		return "", domain.WrapError(domain.CodeRendererUnreachable, "malformed device description", err)
	}

	ref, ok := findServiceField(&root.Device, serviceType, field)
	if !ok {
		return "", domain.NewError(domain.CodeServiceNotFound,
			fmt.Sprintf("no %s entry for service %s", field, serviceType))
	}

	resolved, err := r.gateway.ResolveURL(r.baseURL, ref)
	if err != nil {
		return "", domain.WrapError(domain.CodeServiceNotFound, "failed to resolve service endpoint URL", err)
	}
	return resolved, nil
}

func findServiceField(dev *descriptionDevice, serviceType, field string) (string, bool) {
	for _, svc := range dev.Services {
		if !strings.Contains(svc.ServiceType, serviceType) {
			continue
		}
		// A matching service without the endpoint does not end the
		// search; a later service entry may carry it.
		if v := strings.TrimSpace(svc.field(field)); v != "" {
			return v, true
		}
	}
	for i := range dev.Embedded {
		if v, ok := findServiceField(&dev.Embedded[i], serviceType, field); ok {
			return v, ok
		}
	}
	return "", false
}

// SendAction builds the named action with ordered arguments, resolves the
// service control URL and dispatches the request. Failures carry the
// underlying transport code and message; nothing is dispatched when the
// control URL cannot be resolved.
func (r *Renderer) SendAction(ctx context.Context, action, serviceType string, args []adapters.ActionArg) (*adapters.ActionResponse, error) {
	doc, err := r.transport.BuildAction(action, serviceType, args)
	if err != nil {
		return nil, domain.WrapError(domain.CodeActionFailed, "failed to build action "+action, err)
	}

	controlURL, err := r.ServiceURL(ctx, serviceType, ControlURLField)
	if err != nil {
		return nil, err
	}

	resp, err := r.transport.Dispatch(ctx, controlURL, serviceType, doc)
	if err != nil {
		r.logger.Error("control action failed",
			slog.String("action", action),
			slog.String("service", serviceType),
			slog.String("error", err.Error()))
		return nil, domain.WrapError(domain.CodeActionFailed, "failed to send action "+action, err)
	}
	return resp, nil
}

// Play starts playback at the given speed ("1" is normal).
func (r *Renderer) Play(ctx context.Context, speed string) error {
	_, err := r.SendAction(ctx, "Play", AVTransportServiceType, []adapters.ActionArg{
		{Name: "InstanceID", Value: avTransportInstanceID},
		{Name: "Speed", Value: speed},
	})
	return err
}

// Stop halts playback.
func (r *Renderer) Stop(ctx context.Context) error {
	_, err := r.SendAction(ctx, "Stop", AVTransportServiceType, []adapters.ActionArg{
		{Name: "InstanceID", Value: avTransportInstanceID},
	})
	return err
}

// SetCurrentURI points the renderer at the resource it should fetch next.
// Metadata is intentionally left empty; the device class this targets
// ignores it.
func (r *Renderer) SetCurrentURI(ctx context.Context, uri string) error {
	_, err := r.SendAction(ctx, "SetAVTransportURI", AVTransportServiceType, []adapters.ActionArg{
		{Name: "InstanceID", Value: avTransportInstanceID},
		{Name: "CurrentURI", Value: uri},
		{Name: "CurrentURIMetaData", Value: ""},
	})
	return err
}

// ProtocolInfo asks the ConnectionManager service what the device claims
// to source and sink. Used by the probe flow for diagnostics only; the
// remux policy stays a fixed baseline.
func (r *Renderer) ProtocolInfo(ctx context.Context) (source, sink string, err error) {
	resp, err := r.SendAction(ctx, "GetProtocolInfo", ConnectionManagerServiceType, nil)
	if err != nil {
		return "", "", err
	}
	return resp.Values["Source"], resp.Values["Sink"], nil
}
