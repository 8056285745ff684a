package origin

import (
	"context"
	"fmt"
	"net"
	"time"

	framer "github.com/always-cache/caching-proxy/pkg/http-framer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrEmptyResponse is returned when the origin closed the connection without responding.
var ErrEmptyResponse = errors.New("empty response from origin")

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultTimeout     = 10 * time.Second
)

type Options struct {
	// Timeout for establishing the connection to the origin.
	DialTimeout time.Duration
	// Timeout for writing the request and reading the whole response.
	Timeout time.Duration
}

// Connector forwards raw requests to the origin, one connection per request.
type Connector struct {
	target  Target
	dialer  net.Dialer
	timeout time.Duration
	log     zerolog.Logger
}

// NewConnector creates a connector for the given origin.
// Zero timeouts are replaced by the defaults. A nil logger disables logging.
func NewConnector(target Target, options Options, logger *zerolog.Logger) *Connector {
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.Nop()
	} else {
		l = *logger
	}
	return &Connector{
		target:  target,
		dialer:  net.Dialer{Timeout: options.DialTimeout},
		timeout: options.Timeout,
		log:     l.With().Str("origin", target.Addr()).Logger(),
	}
}

// Target returns the origin this connector forwards to.
func (c *Connector) Target() Target {
	return c.target
}

// Forward sends the request to the origin and returns its full response,
// read until the origin closes the connection.
// If anything goes wrong, a 502 Bad Gateway response is returned together
// with the error, so that the caller can still respond to its client
// but knows not to store the response.
func (c *Connector) Forward(ctx context.Context, request []byte) ([]byte, error) {
	response, err := c.forward(ctx, request)
	if err != nil {
		c.log.Error().Err(err).Msg("Error connecting to origin")
		return BadGateway("Could not connect to origin server"), err
	}
	return response, nil
}

func (c *Connector) forward(ctx context.Context, request []byte) (response []byte, err error) {
	c.log.Trace().Msg("Connecting to origin")
	conn, err := c.dialer.DialContext(ctx, "tcp", c.target.Addr())
	if err != nil {
		return nil, errors.Wrap(err, "could not connect")
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.log.Warn().Err(cerr).Msg("Error closing origin connection")
		}
	}()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "could not set deadline")
	}
	// unblock reads and writes when ctx is cancelled before the deadline
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()

	if _, err := conn.Write(request); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errors.Wrap(err, "could not write request")
	}
	response, err = framer.ReadAll(conn)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errors.Wrapf(err, "could not read response (%d bytes received)", len(response))
	}
	if len(response) == 0 {
		return nil, ErrEmptyResponse
	}
	c.log.Trace().Int("bytes", len(response)).Msg("Received response from origin")
	return response, nil
}

// BadGateway creates a minimal 502 response with a plain text body.
func BadGateway(reason string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\n"+
		"Content-Type: text/plain\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n"+
		"%s", len(reason), reason))
}
