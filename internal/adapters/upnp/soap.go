package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go2tv.app/castout/internal/adapters"
	"go2tv.app/castout/internal/domain"
)

const (
	soapEnvelopeOpen = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
		`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`
	soapEnvelopeClose = `</s:Body></s:Envelope>`

	actionTimeout      = 10 * time.Second
	maxActionBodyBytes = 1 << 20
)

// SOAPTransport builds and dispatches SOAP 1.1 control actions. Actions
// are never retried here; retry policy belongs to the caller.
type SOAPTransport struct {
	client *http.Client
}

func NewSOAPTransport() *SOAPTransport {
	return &SOAPTransport{client: &http.Client{Timeout: actionTimeout}}
}

// BuildAction constructs the request envelope with arguments in the given
// order. Argument values are XML-escaped; names come from the fixed
// AVTransport/ConnectionManager vocabulary and are used as-is.
func (t *SOAPTransport) BuildAction(name, serviceType string, args []adapters.ActionArg) (*adapters.ActionDocument, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(serviceType) == "" {
		return nil, domain.NewError(domain.CodeActionFailed, "action name and service type are required")
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(soapEnvelopeOpen)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, name, serviceType)
	for _, arg := range args {
		b.WriteString("<" + arg.Name + ">")
		if err := xml.EscapeText(&b, []byte(arg.Value)); err != nil {
			return nil, domain.WrapError(domain.CodeActionFailed, "failed to escape argument "+arg.Name, err)
		}
		b.WriteString("</" + arg.Name + ">")
	}
	fmt.Fprintf(&b, "</u:%s>", name)
	b.WriteString(soapEnvelopeClose)

	return &adapters.ActionDocument{
		Name:        name,
		ServiceType: serviceType,
		Args:        args,
		Body:        b.Bytes(),
	}, nil
}

// Dispatch posts the action to the control URL and parses the response.
// The response body is always consumed and closed, success or failure.
func (t *SOAPTransport) Dispatch(ctx context.Context, controlURL, serviceType string, doc *adapters.ActionDocument) (*adapters.ActionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(doc.Body))
	if err != nil {
		return nil, domain.WrapError(domain.CodeActionFailed, "invalid control URL", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", serviceType+"#"+doc.Name))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.CodeRendererUnreachable, "action dispatch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActionBodyBytes))
	if err != nil {
		return nil, domain.WrapError(domain.CodeActionFailed, "action response read failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, description := parseUPnPError(body)
		msg := fmt.Sprintf("action %s rejected with %s", doc.Name, resp.Status)
		if code != "" {
			msg = fmt.Sprintf("%s (UPnP error %s: %s)", msg, code, description)
		}
		return nil, domain.NewError(domain.CodeActionFailed, msg)
	}

	return &adapters.ActionResponse{
		Action:     doc.Name,
		StatusCode: resp.StatusCode,
		Values:     parseActionResponseValues(body, doc.Name),
	}, nil
}

type upnpFault struct {
	ErrorCode        string `xml:"Body>Fault>detail>UPnPError>errorCode"`
	ErrorDescription string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
}

func parseUPnPError(body []byte) (code, description string) {
	var fault upnpFault
	if err := xml.Unmarshal(body, &fault); err != nil {
		return "", ""
	}
	return strings.TrimSpace(fault.ErrorCode), strings.TrimSpace(fault.ErrorDescription)
}

// parseActionResponseValues collects the leaf elements inside the
// <ActionResponse> element, keyed by local element name.
func parseActionResponseValues(body []byte, action string) map[string]string {
	values := map[string]string{}
	dec := xml.NewDecoder(bytes.NewReader(body))

	inResponse := false
	current := ""
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == action+"Response" {
				inResponse = true
				continue
			}
			if inResponse {
				current = el.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if inResponse && current != "" {
				text.Write(el)
			}
		case xml.EndElement:
			if el.Name.Local == action+"Response" {
				inResponse = false
				continue
			}
			if inResponse && el.Name.Local == current {
				values[current] = text.String()
				current = ""
			}
		}
	}
	return values
}
