// Package relay wires the collaboration relay together: identity verification, durable storage,
// the cluster bus and the HTTP surface.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flashfusion/collab-relay/auth"
	"github.com/flashfusion/collab-relay/collab"
	"github.com/flashfusion/collab-relay/internal"
	"github.com/flashfusion/collab-relay/pubsub"
	"github.com/flashfusion/collab-relay/state"
)

var logger = internal.NewLogger()

// Version is stamped at build time.
var Version = "dev"

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Relay is a fully wired relay node.
type Relay struct {
	Service  *collab.Service
	Handler  *collab.Handler
	API      *collab.API
	Verifier auth.Verifier
	// nil when no database is configured
	Storage *state.Storage

	cfg *internal.Config
}

// Opts override parts of the wiring, mainly for tests.
type Opts struct {
	// Used instead of building one from the config.
	Verifier auth.Verifier
	// Used instead of connecting to nats_url.
	Notifier pubsub.Notifier
	Listener pubsub.Listener
	// Where collectors are registered when prometheus_addr is set. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// NewVerifier picks the identity provider described by the config. A JWT secret verifies tokens
// locally, otherwise tokens are checked against the hosted auth API. Positive results are cached
// when auth_cache_ttl is set.
func NewVerifier(cfg *internal.Config) auth.Verifier {
	var v auth.Verifier
	if cfg.JWTSecret != "" {
		v = auth.NewJWTVerifier(cfg.JWTSecret, "")
	} else {
		v = auth.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	}
	if cfg.AuthCacheTTL > 0 {
		v = auth.NewCachingVerifier(v, cfg.AuthCacheTTL)
	}
	return v
}

// Setup builds a relay node from the config. Call Start to begin background work.
func Setup(cfg *internal.Config, opts Opts) (*Relay, error) {
	r := &Relay{cfg: cfg}
	r.Verifier = opts.Verifier
	if r.Verifier == nil {
		r.Verifier = NewVerifier(cfg)
	}

	svcOpts := collab.Options{
		PresenceTimeout: cfg.PresenceTimeout,
		ReaperInterval:  cfg.ReaperInterval,
		NodeID:          cfg.NodeID,
		Notifier:        opts.Notifier,
		Listener:        opts.Listener,
	}
	if cfg.DB != "" {
		r.Storage = state.NewStorage(cfg.DB)
		svcOpts.Store = r.Storage
	} else {
		logger.Warn().Msg("no database configured: edits and comments will not be persisted")
	}
	if cfg.PrometheusAddr != "" {
		svcOpts.MetricsRegisterer = opts.Registerer
		if svcOpts.MetricsRegisterer == nil {
			svcOpts.MetricsRegisterer = prometheus.DefaultRegisterer
		}
	}
	if cfg.NATSURL != "" && svcOpts.Notifier == nil {
		bus, err := pubsub.NewNATSBus(cfg.NATSURL, "collab")
		if err != nil {
			r.teardownStorage()
			return nil, fmt.Errorf("failed to connect to cluster bus: %w", err)
		}
		svcOpts.Listener = bus
		svcOpts.Notifier = bus
		if cfg.PrometheusAddr != "" {
			svcOpts.Notifier = pubsub.NewPromNotifier(bus, "bus")
		}
	}

	r.Service = collab.NewService(svcOpts)
	r.Handler = collab.NewHandler(r.Service, r.Verifier, collab.HandlerConfig{
		ConnConfig: collab.ConnConfig{
			PingInterval:    cfg.PingInterval,
			PongWait:        cfg.PongWait,
			SendBuffer:      cfg.SendBuffer,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		AuthTimeout:    cfg.AuthTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	var history collab.HistoryStore
	if r.Storage != nil {
		history = r.Storage
	}
	r.API = collab.NewAPI(r.Service, r.Verifier, history, cfg.AuthTimeout)
	return r, nil
}

func (r *Relay) Start() {
	r.Service.Start()
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Projects    int    `json:"projects"`
}

func (r *Relay) serveHealth(w http.ResponseWriter, req *http.Request) {
	b, _ := json.Marshal(healthResponse{
		Status:      "ok",
		Version:     Version,
		Connections: r.Service.Registry.Count(),
		Projects:    len(r.Service.Registry.Projects()),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(b)
}

// Router returns the HTTP handler for every relay endpoint, wrapped in the logging middleware.
func (r *Relay) Router() http.Handler {
	// HTTP path routing
	rtr := mux.NewRouter()
	rtr.Handle("/collab", r.Handler).Methods("GET")
	rtr.Handle("/realtime/v1/collab", r.Handler).Methods("GET")
	rtr.Handle("/projects/{project_id}/presence", allowCORS(r.API.PresenceHandler())).Methods("GET", "OPTIONS")
	rtr.Handle("/projects/{project_id}/events", allowCORS(r.API.EventsHandler())).Methods("GET", "OPTIONS")
	rtr.HandleFunc("/healthz", r.serveHealth).Methods("GET")

	var final http.Handler = rtr
	if r.cfg.OTLPURL != "" {
		final = otelhttp.NewHandler(rtr, "collab-relay")
	}
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/healthz" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: final,
	}
}

// Teardown stops background work, closes every connection and releases the database.
func (r *Relay) Teardown() {
	r.Service.Teardown()
	if c, ok := r.Verifier.(*auth.CachingVerifier); ok {
		c.Stop()
	}
	r.teardownStorage()
}

func (r *Relay) teardownStorage() {
	if r.Storage != nil {
		r.Storage.Teardown()
	}
}

// RunRelayServer serves h on bindAddr until ctx is cancelled, then shuts the listener down.
// Websocket connections are hijacked so they are not waited for; close them with Teardown.
func RunRelayServer(ctx context.Context, h http.Handler, bindAddr string) error {
	srv := &http.Server{
		Addr:              bindAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("listening on %s", bindAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to listen and serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunMetricsServer exposes Prometheus metrics on addr. Blocks until ctx is cancelled.
func RunMetricsServer(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info().Msgf("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Err(err).Msg("metrics listener failed")
	}
}
