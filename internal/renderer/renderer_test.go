package renderer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go2tv.app/castout/internal/adapters"
	"go2tv.app/castout/internal/domain"
)

const describedDevice = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
        <SCPDURL>/cm/scpd.xml</SCPDURL>
        <controlURL>/cm/control</controlURL>
        <eventSubURL>/cm/event</eventSubURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <SCPDURL>/avt/scpd.xml</SCPDURL>
        <controlURL>/avt/control</controlURL>
        <eventSubURL>/avt/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

const nestedDevice = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
            <controlURL>/nested/avt/control</controlURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

type fakeGateway struct {
	description  []byte
	fetchErr     error
	fetchCalls   int
	resolveErr   error
	resolveCalls []string
	localAddr    string
	localErr     error
}

func (g *fakeGateway) FetchDescription(_ context.Context, _ string) ([]byte, error) {
	g.fetchCalls++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.description, nil
}

func (g *fakeGateway) ResolveURL(base, ref string) (string, error) {
	g.resolveCalls = append(g.resolveCalls, ref)
	if g.resolveErr != nil {
		return "", g.resolveErr
	}
	return strings.TrimSuffix(base, "/") + ref, nil
}

func (g *fakeGateway) LocalAddress() (string, error) {
	if g.localErr != nil {
		return "", g.localErr
	}
	return g.localAddr, nil
}

type fakeTransport struct {
	buildErr      error
	builtActions  []string
	dispatchErr   error
	dispatchCalls int
	dispatchURLs  []string
	response      *adapters.ActionResponse
}

func (t *fakeTransport) BuildAction(name, serviceType string, args []adapters.ActionArg) (*adapters.ActionDocument, error) {
	t.builtActions = append(t.builtActions, name)
	if t.buildErr != nil {
		return nil, t.buildErr
	}
	return &adapters.ActionDocument{Name: name, ServiceType: serviceType, Args: args}, nil
}

func (t *fakeTransport) Dispatch(_ context.Context, controlURL, _ string, doc *adapters.ActionDocument) (*adapters.ActionResponse, error) {
	t.dispatchCalls++
	t.dispatchURLs = append(t.dispatchURLs, controlURL)
	if t.dispatchErr != nil {
		return nil, t.dispatchErr
	}
	if t.response != nil {
		return t.response, nil
	}
	return &adapters.ActionResponse{Action: doc.Name, StatusCode: 200, Values: map[string]string{}}, nil
}

func newTestRenderer(t *testing.T, gw *fakeGateway, tr *fakeTransport) *Renderer {
	t.Helper()
	r, err := New("http://10.0.0.9:49152/description.xml", "http://10.0.0.9:49152", gw, tr, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNewRequiresDeviceURL(t *testing.T) {
	_, err := New("  ", "", &fakeGateway{}, &fakeTransport{}, nil)
	if err == nil {
		t.Fatal("expected error for missing device URL")
	}
	if code := domain.ErrorCode(err); code != domain.CodeConfigMissingDeviceURL {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestServiceURLFirstMatchWins(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice)}
	r := newTestRenderer(t, gw, &fakeTransport{})

	u, err := r.ServiceURL(context.Background(), AVTransportServiceType, ControlURLField)
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if u != "http://10.0.0.9:49152/avt/control" {
		t.Fatalf("unexpected control URL %q", u)
	}
}

func TestServiceURLSubstringMatchIsCaseSensitive(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice)}
	r := newTestRenderer(t, gw, &fakeTransport{})

	if _, err := r.ServiceURL(context.Background(), "avtransport", ControlURLField); err == nil {
		t.Fatal("lowercased service type must not match")
	}

	// A shorter substring of the canonical type still matches.
	u, err := r.ServiceURL(context.Background(), "service:AVTransport", ControlURLField)
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if u != "http://10.0.0.9:49152/avt/control" {
		t.Fatalf("unexpected control URL %q", u)
	}
}

// Some renderers list a service entry without the endpoint being asked
// for; the search moves on to later entries instead of giving up.
func TestServiceURLSkipsMatchWithoutEndpoint(t *testing.T) {
	const incompleteFirst = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <SCPDURL>/avt/scpd.xml</SCPDURL>
        <controlURL></controlURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>/avt2/control</controlURL>
      </service>
    </serviceList>
  </device>
</root>`
	gw := &fakeGateway{description: []byte(incompleteFirst)}
	r := newTestRenderer(t, gw, &fakeTransport{})

	u, err := r.ServiceURL(context.Background(), AVTransportServiceType, ControlURLField)
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if u != "http://10.0.0.9:49152/avt2/control" {
		t.Fatalf("unexpected control URL %q", u)
	}

	// The first entry still answers for the fields it does carry.
	u, err = r.ServiceURL(context.Background(), AVTransportServiceType, SCPDURLField)
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if u != "http://10.0.0.9:49152/avt/scpd.xml" {
		t.Fatalf("unexpected SCPD URL %q", u)
	}
}

func TestServiceURLWalksEmbeddedDevices(t *testing.T) {
	gw := &fakeGateway{description: []byte(nestedDevice)}
	r := newTestRenderer(t, gw, &fakeTransport{})

	u, err := r.ServiceURL(context.Background(), AVTransportServiceType, ControlURLField)
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if u != "http://10.0.0.9:49152/nested/avt/control" {
		t.Fatalf("unexpected control URL %q", u)
	}
}

func TestServiceURLFetchFailure(t *testing.T) {
	gw := &fakeGateway{fetchErr: errors.New("connection refused")}
	r := newTestRenderer(t, gw, &fakeTransport{})

	_, err := r.ServiceURL(context.Background(), AVTransportServiceType, ControlURLField)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := domain.ErrorCode(err); code != domain.CodeRendererUnreachable {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestServiceURLResolveFailure(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice), resolveErr: errors.New("bad base")}
	r := newTestRenderer(t, gw, &fakeTransport{})

	_, err := r.ServiceURL(context.Background(), AVTransportServiceType, ControlURLField)
	if code := domain.ErrorCode(err); code != domain.CodeServiceNotFound {
		t.Fatalf("unexpected code %s (err=%v)", code, err)
	}
}

// A failed description fetch must abort the action before anything is
// dispatched.
func TestSendActionNoDispatchWhenResolutionFails(t *testing.T) {
	gw := &fakeGateway{fetchErr: errors.New("timeout")}
	tr := &fakeTransport{}
	r := newTestRenderer(t, gw, tr)

	if err := r.Play(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
	if tr.dispatchCalls != 0 {
		t.Fatalf("dispatch called %d times, want 0", tr.dispatchCalls)
	}
}

// A non-success dispatch surfaces as a Play failure and is not retried.
func TestPlayDispatchFailureIsNotRetried(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice)}
	tr := &fakeTransport{dispatchErr: domain.NewError(domain.CodeActionFailed, "UPnP error 501: Action Failed")}
	r := newTestRenderer(t, gw, tr)

	if err := r.Play(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
	if tr.dispatchCalls != 1 {
		t.Fatalf("dispatch called %d times, want exactly 1", tr.dispatchCalls)
	}
}

func TestControlVerbsSendExpectedArguments(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice)}
	tr := &fakeTransport{}
	r := newTestRenderer(t, gw, tr)

	ctx := context.Background()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.SetCurrentURI(ctx, "http://10.0.0.2:8080/castout/1/2/stream"); err != nil {
		t.Fatalf("SetCurrentURI: %v", err)
	}
	if err := r.Play(ctx, "1"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	want := []string{"Stop", "SetAVTransportURI", "Play"}
	if len(tr.builtActions) != len(want) {
		t.Fatalf("built %v, want %v", tr.builtActions, want)
	}
	for i := range want {
		if tr.builtActions[i] != want[i] {
			t.Fatalf("built %v, want %v", tr.builtActions, want)
		}
	}
}

// Every action re-resolves the control URL; the description is fetched
// once per verb.
func TestEachActionRefetchesDescription(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice)}
	tr := &fakeTransport{}
	r := newTestRenderer(t, gw, tr)

	ctx := context.Background()
	_ = r.Stop(ctx)
	_ = r.Play(ctx, "1")
	if gw.fetchCalls != 2 {
		t.Fatalf("description fetched %d times, want 2", gw.fetchCalls)
	}
}

func TestProtocolInfoReadsResponseValues(t *testing.T) {
	gw := &fakeGateway{description: []byte(describedDevice)}
	tr := &fakeTransport{response: &adapters.ActionResponse{
		Action:     "GetProtocolInfo",
		StatusCode: 200,
		Values: map[string]string{
			"Source": "",
			"Sink":   "http-get:*:video/mp4:*",
		},
	}}
	r := newTestRenderer(t, gw, tr)

	source, sink, err := r.ProtocolInfo(context.Background())
	if err != nil {
		t.Fatalf("ProtocolInfo: %v", err)
	}
	if source != "" || sink != "http-get:*:video/mp4:*" {
		t.Fatalf("unexpected protocol info %q / %q", source, sink)
	}
}
