// Package upnp implements the device/network and action-transport
// contracts over plain HTTP: description fetches, SOAP control actions
// and local address selection toward the device.
package upnp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/castout/internal/domain"
)

const (
	descriptionFetchTimeout = 10 * time.Second
	descriptionFetchRetries = 2
	maxDescriptionBytes     = 1 << 20
)

// Gateway fetches device descriptions and answers address questions for
// one renderer device.
type Gateway struct {
	client    *retryablehttp.Client
	deviceURL string

	// Seam for tests.
	listenAddressForDevice func(deviceURL string) (string, error)
}

// NewGateway builds a gateway scoped to the device at deviceURL. The
// local reachable address is always selected toward that device.
func NewGateway(deviceURL string) *Gateway {
	client := retryablehttp.NewClient()
	client.RetryMax = descriptionFetchRetries
	client.HTTPClient.Timeout = descriptionFetchTimeout
	client.Logger = nil
	return &Gateway{
		client:                 client,
		deviceURL:              deviceURL,
		listenAddressForDevice: utils.URLtoListenIPandPort,
	}
}

// FetchDescription downloads a device description document.
func (g *Gateway) FetchDescription(ctx context.Context, descURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, descURL, nil)
	if err != nil {
		return nil, domain.WrapError(domain.CodeRendererUnreachable, "invalid description URL", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.CodeRendererUnreachable, "description fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDescriptionBytes))
		return nil, domain.NewError(domain.CodeRendererUnreachable,
			fmt.Sprintf("description fetch returned %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
	if err != nil {
		return nil, domain.WrapError(domain.CodeRendererUnreachable, "description read failed", err)
	}
	return body, nil
}

// ResolveURL resolves a possibly relative endpoint reference against a
// base URL.
func (g *Gateway) ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// LocalAddress returns the local IP the device can reach back to for
// fetching the served stream.
func (g *Gateway) LocalAddress() (string, error) {
	addr, err := g.listenAddressForDevice(g.deviceURL)
	if err != nil {
		return "", domain.WrapError(domain.CodeAddressUnavailable, "no route toward device", err)
	}
	if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
		return host, nil
	}
	return addr, nil
}
