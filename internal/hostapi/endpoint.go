package hostapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// ResolveEndpoint returns the signaling endpoint for cfg. An explicit
// custom_wss_url wins; otherwise the endpoint is the add-on's ingress path
// on the host, with ws or wss mirroring the host's own scheme.
func (c *Client) ResolveEndpoint(ctx context.Context, cfg *sipconfig.Config) (signaling.Endpoint, error) {
	if cfg.CustomWSSURL != "" {
		return signaling.ParseEndpoint(cfg.CustomWSSURL)
	}

	base, err := url.Parse(c.baseURL)
	if err != nil || base.Host == "" {
		return signaling.Endpoint{}, fmt.Errorf("%w: invalid host url %q", ErrConfigFetch, c.baseURL)
	}

	ingress, err := c.IngressURL(ctx, cfg.AddonSlug)
	if err != nil {
		return signaling.Endpoint{}, err
	}

	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}
	if !strings.HasPrefix(ingress, "/") {
		ingress = "/" + ingress
	}
	if !strings.HasSuffix(ingress, "/") {
		ingress += "/"
	}
	return signaling.ParseEndpoint(scheme + "://" + base.Host + ingress + "ws")
}
