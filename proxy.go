package cachingproxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/caching-proxy/cache"
	"github.com/always-cache/caching-proxy/origin"
	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
	cachestatus "github.com/always-cache/caching-proxy/pkg/cache-status"
	framer "github.com/always-cache/caching-proxy/pkg/http-framer"
)

// ErrProxyClosed is returned by Serve after Shutdown has been called.
var ErrProxyClosed = errors.New("caching proxy closed")

const (
	DefaultClientTimeout  = 30 * time.Second
	DefaultMaxHeaderBytes = 64 * 1024

	lingerTimeout = 500 * time.Millisecond
	lingerBytes   = 256 * 1024
)

type Config struct {
	// Storage for cached responses.
	Store *cache.Store
	// Connector used to forward requests to the origin.
	Connector *origin.Connector
	// Timeout for reading the request header block from a client
	// and for writing the response back.
	ClientTimeout time.Duration
	// Maximum size of a request header block.
	MaxHeaderBytes int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to update. A fresh set is created if nil.
	Metrics *Metrics
}

// Proxy accepts client connections and serves each one from the cache or the origin.
type Proxy struct {
	store          *cache.Store
	connector      *origin.Connector
	clientTimeout  time.Duration
	maxHeaderBytes int
	metrics        *Metrics
	log            zerolog.Logger

	// cancelled when Shutdown gives up waiting, aborts origin requests
	baseCtx context.Context
	cancel  context.CancelFunc

	mutex     sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a caching proxy instance.
func New(config Config) *Proxy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.ClientTimeout <= 0 {
		config.ClientTimeout = DefaultClientTimeout
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(config.Store)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		baseCtx:        baseCtx,
		cancel:         cancel,
		store:          config.Store,
		connector:      config.Connector,
		clientTimeout:  config.ClientTimeout,
		maxHeaderBytes: config.MaxHeaderBytes,
		metrics:        config.Metrics,
		log: logger.With().
			Str("origin", config.Connector.Target().String()).
			Logger(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Metrics returns the metrics updated by the proxy.
func (p *Proxy) Metrics() *Metrics {
	return p.metrics
}

// Serve accepts connections on ln and serves each of them in its own goroutine.
// It returns when the listener fails, when ctx is cancelled
// or when Shutdown is called (with ErrProxyClosed).
// The listener is always closed on return.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	if !p.trackListener(ln, true) {
		ln.Close()
		return ErrProxyClosed
	}
	defer p.trackListener(ln, false)
	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	p.log.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isClosed() {
				return ErrProxyClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// retry with exponential backoff, as net/http does
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			p.log.Error().Err(err).Dur("retry", backoff).Msg("Error accepting connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		if !p.trackConn(conn, true) {
			conn.Close()
			return ErrProxyClosed
		}
		go func() {
			defer p.trackConn(conn, false)
			p.ServeConn(conn)
		}()
	}
}

// Shutdown stops all listeners and waits for in-flight connections to finish.
// If ctx expires first, pending origin requests are aborted, the remaining
// client connections are closed and the context error is returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mutex.Lock()
	p.closed = true
	for ln := range p.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.log.Warn().Err(err).Msg("Error closing listener")
		}
	}
	p.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	p.cancel()
	p.mutex.Lock()
	p.log.Warn().Int("connections", len(p.conns)).Msg("Grace period over, closing connections")
	for conn := range p.conns {
		conn.Close()
	}
	p.mutex.Unlock()
	<-done
	return ctx.Err()
}

func (p *Proxy) isClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

func (p *Proxy) trackListener(ln net.Listener, add bool) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if add {
		if p.closed {
			return false
		}
		p.listeners[ln] = struct{}{}
	} else {
		delete(p.listeners, ln)
	}
	return true
}

func (p *Proxy) trackConn(conn net.Conn, add bool) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if add {
		if p.closed {
			return false
		}
		p.conns[conn] = struct{}{}
		p.wg.Add(1)
	} else {
		delete(p.conns, conn)
		p.wg.Done()
	}
	return true
}

// ServeConn serves a single request on conn and closes it.
// Requests without a valid request line are dropped without a response.
// GET responses are served from the store if present,
// everything else is forwarded to the origin.
// Successful GET responses from the origin are stored.
func (p *Proxy) ServeConn(conn net.Conn) {
	logger := p.log.With().
		Str("conn", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	defer closeConn(conn, &logger)
	logger.Trace().Msg("Connected")

	// read and rewrite the request header block
	if err := conn.SetReadDeadline(time.Now().Add(p.clientTimeout)); err != nil {
		logger.Error().Err(err).Msg("Could not set read deadline")
		return
	}
	request, err := framer.FrameRequest(conn, p.connector.Target().HostHeader(), p.maxHeaderBytes)
	if err != nil {
		p.metrics.dropped.Inc()
		if err == framer.ErrEmptyMessage {
			logger.Debug().Msg("Received empty request")
		} else {
			logger.Debug().Err(err).Msg("Could not read request")
		}
		return
	}
	id, method := cachekey.Derive(request)
	if !id.Valid() {
		p.metrics.dropped.Inc()
		logger.Debug().Msg("Received invalid request")
		return
	}
	logger = logger.With().
		Str("method", method).
		Str("target", id.Target()).
		Logger()

	status := cachestatus.Miss
	cacheable := cachekey.Cacheable(method)
	response, ok := []byte(nil), false
	if cacheable {
		response, ok = p.store.Get(id.String())
	}
	if ok {
		status = cachestatus.Hit
	} else {
		response = p.fetch(id, request, cacheable, &logger)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(p.clientTimeout)); err != nil {
		logger.Error().Err(err).Msg("Could not set write deadline")
		return
	}
	if _, err := conn.Write(cachestatus.Annotate(status == cachestatus.Hit, response)); err != nil {
		logger.Error().Err(err).Msg("Could not write response to client")
		return
	}
	p.metrics.requests.WithLabelValues(status.String()).Inc()
	logger.Debug().
		Str("status", status.String()).
		Int("bytes", len(response)).
		Msg("Sent response to client")
}

// fetch forwards the request to the origin and stores the response if cacheable.
// Failed requests result in a 502 response, which is never stored.
func (p *Proxy) fetch(id cachekey.Identity, request []byte, cacheable bool, logger *zerolog.Logger) []byte {
	logger.Trace().Msg("Forwarding request to origin")
	start := time.Now()
	response, err := p.connector.Forward(p.baseCtx, request)
	p.metrics.originDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.originFailures.Inc()
		return response
	}
	if cacheable {
		// persistence errors are logged by the store and keep the entry in memory
		_ = p.store.Put(id.String(), response)
	}
	return response
}

// closeConn closes the client connection.
// The write side is closed first and unread client data is drained for a
// moment, so that the client sees the response before the connection is torn
// down (closing with unread data would send a reset instead).
func closeConn(conn net.Conn, logger *zerolog.Logger) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err == nil {
			if err := tcp.SetReadDeadline(time.Now().Add(lingerTimeout)); err == nil {
				io.CopyN(io.Discard, tcp, lingerBytes)
			}
		}
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn().Err(err).Msg("Error closing client socket")
	}
}
