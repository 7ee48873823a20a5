// Package adapters declares the collaborator contracts the castout core
// consumes. Concrete implementations live in subpackages; the core only
// sees these interfaces so tests can substitute fakes.
package adapters

import (
	"context"

	"go2tv.app/castout/internal/domain"
)

// SinkID identifies one per-track sink inside a live pipeline chain.
type SinkID uint64

// Pipeline is a realized remux/transcode + re-serve chain. A SinkID is
// only meaningful against the Pipeline that returned it; Close invalidates
// every sink.
type Pipeline interface {
	AddSink(format domain.TrackFormat) (SinkID, error)
	RemoveSink(id SinkID)
	Send(id SinkID, payload []byte) error
	FlushSink(id SinkID)
	Close() error
}

// PipelineFactory realizes a textual chain description into a Pipeline.
type PipelineFactory interface {
	CreateChain(desc string) (Pipeline, error)
}

// DeviceGateway provides the network primitives around a renderer device:
// fetching its description document, resolving relative endpoint URLs
// against a base, and picking the local address the device can reach back
// to.
type DeviceGateway interface {
	FetchDescription(ctx context.Context, url string) ([]byte, error)
	ResolveURL(base, ref string) (string, error)
	LocalAddress() (string, error)
}

// ActionArg is one name/value argument of a control action. Argument order
// matters to some renderers, so args travel as a slice, never a map.
type ActionArg struct {
	Name  string
	Value string
}

// ActionDocument is a built, ready-to-dispatch control action request.
type ActionDocument struct {
	Name        string
	ServiceType string
	Args        []ActionArg
	Body        []byte
}

// ActionResponse is a parsed control action response. Values holds the
// leaf elements of the action response body keyed by element name.
type ActionResponse struct {
	Action     string
	StatusCode int
	Values     map[string]string
}

// ActionTransport builds and dispatches control actions. Dispatch must
// release every transport resource (request and response bodies) on all
// paths, success or failure.
type ActionTransport interface {
	BuildAction(name, serviceType string, args []ActionArg) (*ActionDocument, error)
	Dispatch(ctx context.Context, controlURL, serviceType string, doc *ActionDocument) (*ActionResponse, error)
}

// Decision is the outcome of an interactive conversion consent request.
type Decision int

const (
	DecisionDecline Decision = iota
	DecisionApprove
	DecisionApproveAndRemember
)

// DecisionSource decouples the one-time conversion warning policy from any
// particular UI. PersistSkip records the "don't warn me again" choice
// across sessions.
type DecisionSource interface {
	RequestTranscodeConsent() Decision
	PersistSkip() error
}
