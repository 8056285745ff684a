package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	httpPort  = 80
	httpsPort = 443
)

// Target is the origin server all cacheable requests are forwarded to.
type Target struct {
	Host string
	Port int
	// Secure is set for https:// origins. It only selects the default port,
	// the connection to the origin is always plain TCP.
	Secure bool
}

// ParseTarget parses an origin given as a URL, e.g. `http://example.com`.
// The scheme selects the default port (80 for http or no scheme, 443 for https),
// an explicit port in the input overrides it. Anything after the host is ignored.
func ParseTarget(raw string) (Target, error) {
	t := Target{Port: httpPort}
	rest := strings.TrimSpace(raw)
	if !strings.Contains(rest, "://") {
		rest = "http://" + rest
	}
	originUrl, err := url.Parse(rest)
	if err != nil {
		return t, errors.Wrapf(err, "invalid origin %q", raw)
	}
	switch originUrl.Scheme {
	case "https":
		t.Secure = true
		t.Port = httpsPort
	case "http":
	default:
		return t, errors.Errorf("unsupported origin scheme in %q", raw)
	}
	t.Host = originUrl.Hostname()
	if t.Host == "" {
		return t, errors.Errorf("no host in origin %q", raw)
	}
	if p := originUrl.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return t, errors.Errorf("invalid port in origin %q", raw)
		}
		t.Port = port
	}
	return t, nil
}

// Addr returns the host:port address to dial.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader returns the value for the Host header of forwarded requests.
// The port is only included if it is not the default for the scheme.
func (t Target) HostHeader() string {
	if (t.Secure && t.Port == httpsPort) || (!t.Secure && t.Port == httpPort) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Addr()
}

func (t Target) String() string {
	scheme := "http://"
	if t.Secure {
		scheme = "https://"
	}
	return scheme + t.HostHeader()
}
