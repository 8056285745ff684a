package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"

	cachingproxy "github.com/always-cache/caching-proxy"
	"github.com/always-cache/caching-proxy/cache"
	"github.com/always-cache/caching-proxy/config"
	"github.com/always-cache/caching-proxy/origin"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation of the command and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	inv, err := parseArgs(args, stderr)
	if err != nil {
		// bare errUsage means the flag package already printed the usage
		if err != errUsage {
			fmt.Fprintf(stderr, "Invalid input: %v\n", err)
			fmt.Fprint(stderr, usage)
		}
		return 1
	}

	conf, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	closeLog, err := setupLogging(conf.Log, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Cannot set up logging: %v\n", err)
		return 1
	}
	defer closeLog()

	store := cache.NewStore(newPersister(conf.Cache), &log.Logger)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close cache")
		}
	}()

	if inv.clearCache {
		if err := store.Clear(); err != nil {
			return 1
		}
		fmt.Fprintln(stdout, "Cache Cleared")
		return 0
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", inv.port))
	if err != nil {
		log.Error().Err(err).Msgf("Could not listen on port %d", inv.port)
		return 1
	}
	if err := serve(ctx, ln, inv, conf, store); err != nil {
		log.Error().Stack().Err(err).Msg("Server error")
		return 1
	}
	return 0
}

// setupLogging configures the global logger to write to out,
// and to the configured log file if any.
func setupLogging(conf config.Log, out io.Writer) (func(), error) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	level, err := conf.ZerologLevel()
	if err != nil {
		return nil, err
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: out}}
	closeLog := func() {}
	if conf.File != "" {
		logFile, err := os.OpenFile(conf.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "cannot open log file")
		}
		logOutputs = append(logOutputs, logFile)
		closeLog = func() { logFile.Close() }
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(logOutputs...)).
		Level(level).
		With().Timestamp().Str("version", version).Logger()
	return closeLog, nil
}

func newPersister(conf config.Cache) cache.Persister {
	if conf.Redis.Addr != "" {
		return cache.NewRedisPersister(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		}, conf.Redis.Key)
	}
	if conf.File == "" {
		return cache.NopPersister{}
	}
	return cache.NewSQLitePersister(conf.File)
}

// serve runs the proxy on ln (and the admin server, if configured) until ctx is
// cancelled or the listener fails. In-flight connections are given the configured
// grace period in both cases.
func serve(ctx context.Context, ln net.Listener, inv invocation, conf config.Config, store *cache.Store) error {
	connector := origin.NewConnector(inv.origin, origin.Options{
		DialTimeout: conf.DialTimeout,
		Timeout:     conf.OriginTimeout,
	}, &log.Logger)
	proxy := cachingproxy.New(cachingproxy.Config{
		Store:          store,
		Connector:      connector,
		ClientTimeout:  conf.ClientTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
		Logger:         &log.Logger,
	})

	log.Info().Msgf("Proxying %s to %s", ln.Addr(), inv.origin)

	var admin *http.Server
	if conf.Admin.Addr != "" {
		admin = &http.Server{
			Addr:    conf.Admin.Addr,
			Handler: cachingproxy.AdminHandler(store, proxy.Metrics(), &log.Logger),
		}
		go func() {
			log.Info().Str("addr", conf.Admin.Addr).Msg("Admin server listening")
			if err := admin.ListenAndServe(); err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin server error")
			}
		}()
	}

	served := make(chan error, 1)
	go func() {
		served <- proxy.Serve(ctx, ln)
	}()

	var serveErr error
	select {
	case err := <-served:
		if err != cachingproxy.ErrProxyClosed && ctx.Err() == nil {
			serveErr = errors.Wrap(err, "proxy stopped accepting connections")
		}
	case <-ctx.Done():
	}

	log.Info().Dur("grace", conf.ShutdownGrace).Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownGrace)
	defer cancel()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Could not shut down admin server")
		}
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Connections closed before completion")
	}
	return serveErr
}
