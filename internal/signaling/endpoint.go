package signaling

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is a resolved signaling server address.
type Endpoint struct {
	URL       string
	Transport string
	Host      string
	Port      int
	Path      string
}

var defaultPorts = map[string]int{
	"ws":  80,
	"wss": 443,
	"udp": 5060,
	"tcp": 5060,
	"tls": 5061,
}

// ParseEndpoint parses ws://, wss://, udp://, tcp:// and tls:// URLs.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	port, ok := defaultPorts[scheme]
	if !ok {
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", raw)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("endpoint %q has invalid port %q", raw, p)
		}
	}
	return Endpoint{
		URL:       u.String(),
		Transport: scheme,
		Host:      host,
		Port:      port,
		Path:      u.Path,
	}, nil
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Secure reports whether the endpoint uses an encrypted transport.
func (e Endpoint) Secure() bool {
	return e.Transport == "wss" || e.Transport == "tls"
}

func (e Endpoint) String() string {
	return e.URL
}
