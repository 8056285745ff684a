package cachingproxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/always-cache/caching-proxy/cache"
)

type cacheListing struct {
	Entries int      `json:"entries"`
	Keys    []string `json:"keys"`
}

// AdminHandler returns the HTTP handler of the admin server:
//
//	GET    /metrics  Prometheus metrics
//	GET    /cache    number of entries and their keys
//	DELETE /cache    clear the cache
func AdminHandler(store *cache.Store, metrics *Metrics, logger *zerolog.Logger) http.Handler {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.Nop()
	} else {
		l = logger.With().Str("component", "admin").Logger()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Get("/cache", func(w http.ResponseWriter, r *http.Request) {
		keys := store.Keys()
		w.Header().Set("Content-Type", "application/json")
		if err := jsoniter.ConfigFastest.NewEncoder(w).Encode(cacheListing{Entries: len(keys), Keys: keys}); err != nil {
			l.Error().Err(err).Msg("Could not write cache listing")
		}
	})

	r.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Clear(); err != nil {
			http.Error(w, "Could not clear cache", http.StatusInternalServerError)
			return
		}
		l.Info().Str("remote", r.RemoteAddr).Msg("Cache cleared through admin API")
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}
