package cachingproxy

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/caching-proxy/cache"
	"github.com/always-cache/caching-proxy/origin"
	framer "github.com/always-cache/caching-proxy/pkg/http-framer"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.WarnLevel)

// testOrigin is a raw TCP origin server that records the requests it receives.
type testOrigin struct {
	ln       net.Listener
	hits     int32
	mutex    sync.Mutex
	requests []string
	respond  func(head string) string
}

func startTestOrigin(t *testing.T, respond func(head string) string) *testOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	o := &testOrigin{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go o.handle(conn)
		}
	}()
	return o
}

func (o *testOrigin) handle(conn net.Conn) {
	defer conn.Close()
	atomic.AddInt32(&o.hits, 1)
	head, err := framer.ReadHead(conn, 0)
	if err != nil {
		return
	}
	o.mutex.Lock()
	o.requests = append(o.requests, string(head))
	o.mutex.Unlock()
	conn.Write([]byte(o.respond(string(head))))
}

func (o *testOrigin) target() origin.Target {
	return origin.Target{Host: "127.0.0.1", Port: o.ln.Addr().(*net.TCPAddr).Port}
}

func (o *testOrigin) count() int {
	return int(atomic.LoadInt32(&o.hits))
}

func (o *testOrigin) lastRequest() string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if len(o.requests) == 0 {
		return ""
	}
	return o.requests[len(o.requests)-1]
}

type testProxy struct {
	*Proxy
	store *cache.Store
	addr  string
}

func startTestProxy(t *testing.T, target origin.Target, clientTimeout time.Duration) *testProxy {
	t.Helper()
	store := cache.NewStore(nil, &testLogger)
	p := New(Config{
		Store:         store,
		Connector:     origin.NewConnector(target, origin.Options{DialTimeout: time.Second, Timeout: 2 * time.Second}, &testLogger),
		ClientTimeout: clientTimeout,
		Logger:        &testLogger,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- p.Serve(context.Background(), ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
		assert.Equal(t, ErrProxyClosed, <-served)
	})
	return &testProxy{Proxy: p, store: store, addr: ln.Addr().String()}
}

// roundTrip writes a raw request to addr and reads the response until the connection is closed.
func roundTrip(addr, request string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err = conn.Write([]byte(request)); err != nil {
		return "", err
	}
	response, err := io.ReadAll(conn)
	return string(response), err
}

func (p *testProxy) send(t *testing.T, request string) string {
	t.Helper()
	response, err := roundTrip(p.addr, request)
	require.NoError(t, err)
	return response
}

func okResponse(string) string {
	return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
}

func TestMissThenHit(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)
	request := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"

	first := p.send(t, request)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nX-Cache: MISS\r\n\r\nhi", first)
	stored, ok := p.store.Get("GET:/a")
	require.True(t, ok)
	assert.Equal(t, okResponse(""), string(stored))
	assert.Equal(t, 1, o.count())

	second := p.send(t, "GET /a HTTP/1.1\r\nHost: y\r\nAccept: */*\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nX-Cache: HIT\r\n\r\nhi", second)
	assert.Equal(t, 1, o.count())
}

func TestRequestIsRewrittenForOrigin(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)

	p.send(t, "GET /a HTTP/1.1\r\nHost: proxy.local\r\nConnection: keep-alive\r\nAccept: */*\r\n\r\n")
	assert.Equal(t,
		"GET /a HTTP/1.1\r\nHost: "+o.target().HostHeader()+"\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		o.lastRequest())
}

func TestNonGetIsNeverStored(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)

	for i, method := range []string{"POST", "PUT", "DELETE"} {
		res := p.send(t, method+" /a HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")
		assert.Contains(t, res, "X-Cache: MISS\r\n", method)
		assert.Equal(t, i+1, o.count(), method)
		assert.False(t, p.store.Has(method+":/a"), method)
	}
	// same request again still goes to the origin
	p.send(t, "POST /a HTTP/1.1\r\n\r\n")
	assert.Equal(t, 4, o.count())
	assert.Equal(t, 0, p.store.Len())
}

func TestOriginUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := origin.Target{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	ln.Close()
	p := startTestProxy(t, target, time.Second)

	res := p.send(t, "GET /a HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.True(t, strings.HasPrefix(res, "HTTP/1.1 502 Bad Gateway\r\n"), res)
	assert.Contains(t, res, "Content-Type: text/plain\r\n")
	assert.Contains(t, res, "X-Cache: MISS\r\n")
	assert.False(t, p.store.Has("GET:/a"))
}

func TestMalformedOriginResponseIsPassedThrough(t *testing.T) {
	o := startTestOrigin(t, func(string) string { return "not http at all" })
	p := startTestProxy(t, o.target(), time.Second)

	assert.Equal(t, "not http at all", p.send(t, "GET /raw HTTP/1.1\r\n\r\n"))
}

func TestEmptyRequestIsDropped(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)

	conn, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	conn.(*net.TCPConn).CloseWrite()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	res, err := io.ReadAll(conn)
	conn.Close()
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 0, o.count())

	// still serving
	assert.Contains(t, p.send(t, "GET /a HTTP/1.1\r\n\r\n"), "X-Cache: MISS")
}

func TestInvalidRequestIsDropped(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)

	assert.Empty(t, p.send(t, "GARBAGE\r\nHost: x\r\n\r\n"))
	assert.Equal(t, 0, o.count())
	assert.Equal(t, 0, p.store.Len())
}

func TestIdleClientTimesOut(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), 100*time.Millisecond)

	conn, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("GET /a HTTP/1.1\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	res, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 0, o.count())
}

func TestSlowOriginDoesNotBlockOtherClients(t *testing.T) {
	release := make(chan struct{})
	o := startTestOrigin(t, func(head string) string {
		if strings.HasPrefix(head, "GET /slow ") {
			<-release
		}
		return okResponse(head)
	})
	p := startTestProxy(t, o.target(), time.Second)

	slowDone := make(chan string, 1)
	go func() {
		res, err := roundTrip(p.addr, "GET /slow HTTP/1.1\r\n\r\n")
		assert.NoError(t, err)
		slowDone <- res
	}()
	// wait until the slow request reached the origin
	require.Eventually(t, func() bool { return o.count() == 1 }, time.Second, 5*time.Millisecond)

	fast := p.send(t, "GET /fast HTTP/1.1\r\n\r\n")
	assert.Contains(t, fast, "X-Cache: MISS")
	select {
	case <-slowDone:
		t.Fatal("slow request finished before it was released")
	default:
	}

	close(release)
	assert.Contains(t, <-slowDone, "X-Cache: MISS")
	assert.True(t, p.store.Has("GET:/slow"))
}

func TestConcurrentClients(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := []string{"/a", "/b", "/c", "/d"}[i%4]
			res, err := roundTrip(p.addr, "GET "+path+" HTTP/1.1\r\n\r\n")
			assert.NoError(t, err)
			assert.True(t, strings.HasSuffix(res, "\r\n\r\nhi"), res)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, p.store.Len())
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nX-Cache: HIT\r\n\r\nhi", p.send(t, "GET /a HTTP/1.1\r\n\r\n"))
}

func TestClearedCacheGoesToOrigin(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := startTestProxy(t, o.target(), time.Second)

	p.send(t, "GET /a HTTP/1.1\r\n\r\n")
	p.send(t, "GET /b HTTP/1.1\r\n\r\n")
	require.NoError(t, p.store.Clear())
	assert.False(t, p.store.Has("GET:/a"))
	assert.False(t, p.store.Has("GET:/b"))

	assert.Contains(t, p.send(t, "GET /a HTTP/1.1\r\n\r\n"), "X-Cache: MISS")
	assert.Equal(t, 3, o.count())
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	o := startTestOrigin(t, func(head string) string {
		<-release
		return okResponse(head)
	})
	store := cache.NewStore(nil, nil)
	p := New(Config{
		Store:     store,
		Connector: origin.NewConnector(o.target(), origin.Options{}, nil),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- p.Serve(context.Background(), ln) }()

	response := make(chan string, 1)
	go func() {
		res, err := roundTrip(ln.Addr().String(), "GET /a HTTP/1.1\r\n\r\n")
		assert.NoError(t, err)
		response <- res
	}()
	require.Eventually(t, func() bool { return o.count() == 1 }, time.Second, 5*time.Millisecond)

	shutdown := make(chan error, 1)
	go func() { shutdown <- p.Shutdown(context.Background()) }()
	assert.Equal(t, ErrProxyClosed, <-served)
	_, err = net.DialTimeout("tcp", ln.Addr().String(), 100*time.Millisecond)
	assert.Error(t, err)

	close(release)
	assert.NoError(t, <-shutdown)
	assert.Contains(t, <-response, "X-Cache: MISS")
}

func TestShutdownGracePeriod(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := New(Config{
		Store:         cache.NewStore(nil, nil),
		Connector:     origin.NewConnector(o.target(), origin.Options{}, nil),
		ClientTimeout: time.Minute,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go p.Serve(context.Background(), ln)

	// a client that never finishes its request
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("GET /a HTTP/1.1\r\n"))
	require.Eventually(t, func() bool {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		return len(p.conns) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, p.Shutdown(ctx))
}

func TestShutdownAbortsStalledOrigin(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	o := startTestOrigin(t, func(head string) string {
		<-release
		return okResponse(head)
	})
	p := New(Config{
		Store:     cache.NewStore(nil, nil),
		Connector: origin.NewConnector(o.target(), origin.Options{Timeout: 10 * time.Second}, nil),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go p.Serve(context.Background(), ln)

	response := make(chan string, 1)
	go func() {
		res, _ := roundTrip(ln.Addr().String(), "GET /a HTTP/1.1\r\n\r\n")
		response <- res
	}()
	require.Eventually(t, func() bool { return o.count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Equal(t, context.DeadlineExceeded, p.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, p.store.Has("GET:/a"))
	<-response
}

func TestServeStopsOnContextCancel(t *testing.T) {
	o := startTestOrigin(t, okResponse)
	p := New(Config{
		Store:     cache.NewStore(nil, nil),
		Connector: origin.NewConnector(o.target(), origin.Options{}, nil),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- p.Serve(ctx, ln) }()

	cancel()
	assert.Equal(t, context.Canceled, <-served)
}
