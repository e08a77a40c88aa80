// Package server owns the plaintext, TLS and admin listeners.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/edge-router/internal/config"
	"github.com/fabian4/edge-router/internal/metrics"
	"github.com/fabian4/edge-router/internal/model"
	"github.com/fabian4/edge-router/internal/ratelimit"
	"github.com/fabian4/edge-router/internal/redirect"
)

const (
	ShutdownTimeout = 5 * time.Second
	pruneInterval   = time.Minute
	pruneIdle       = 10 * time.Minute
)

type Options struct {
	Metrics *metrics.Registry
	Limiter *ratelimit.Limiter
	Log     zerolog.Logger
}

// Server serves the edge handler on the TLS listener and redirects plaintext.
// With TLS disabled the plaintext listener serves the edge handler directly.
type Server struct {
	cfg     *config.Config
	edge    http.Handler
	tls     *tls.Config
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// New loads the certificate when TLS is enabled. A load failure wraps
// model.ErrCertificateLoad and no listener is opened.
func New(cfg *config.Config, edge http.Handler, opts Options) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		edge:    edge,
		metrics: opts.Metrics,
		limiter: opts.Limiter,
		log:     opts.Log,
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrCertificateLoad, err)
		}
		s.tls = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
	return s, nil
}

// Listeners groups the sockets Serve accepts on. HTTPS and Admin may be nil.
type Listeners struct {
	HTTP  net.Listener
	HTTPS net.Listener
	Admin net.Listener
}

// Listen opens the configured addresses.
func (s *Server) Listen() (Listeners, error) {
	var ls Listeners
	var err error
	closeAll := func() {
		for _, l := range []net.Listener{ls.HTTP, ls.HTTPS, ls.Admin} {
			if l != nil {
				_ = l.Close()
			}
		}
	}
	if ls.HTTP, err = net.Listen("tcp", s.cfg.Listen.HTTP); err != nil {
		return ls, fmt.Errorf("listen http: %w", err)
	}
	if s.tls != nil {
		if ls.HTTPS, err = net.Listen("tcp", s.cfg.Listen.HTTPS); err != nil {
			closeAll()
			return Listeners{}, fmt.Errorf("listen https: %w", err)
		}
	}
	if s.cfg.Metrics.Address != "" {
		if ls.Admin, err = net.Listen("tcp", s.cfg.Metrics.Address); err != nil {
			closeAll()
			return Listeners{}, fmt.Errorf("listen admin: %w", err)
		}
	}
	return ls, nil
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ls, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ls)
}

// Serve blocks until ctx is done or a listener fails, then shuts every server
// down gracefully.
func (s *Server) Serve(ctx context.Context, ls Listeners) error {
	var servers []*http.Server
	g, gctx := errgroup.WithContext(ctx)

	start := func(name string, srv *http.Server, ln net.Listener, useTLS bool) {
		servers = append(servers, srv)
		s.log.Info().Str("listener", name).Str("addr", ln.Addr().String()).Msg("listening")
		g.Go(func() error {
			var err error
			if useTLS {
				err = srv.Serve(tls.NewListener(ln, srv.TLSConfig))
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", name, err)
			}
			return nil
		})
	}

	if s.tls != nil && ls.HTTPS != nil {
		srv := s.newHTTPServer("https", s.edge)
		srv.TLSConfig = s.tls.Clone()
		if err := http2.ConfigureServer(srv, &http2.Server{IdleTimeout: s.cfg.Timeouts.Idle}); err != nil {
			return fmt.Errorf("configure http2: %w", err)
		}
		redir := redirect.New(ls.HTTPS.Addr().String(), s.cfg.ServerName)
		start("http", s.newHTTPServer("http", s.countRedirects(redir)), ls.HTTP, false)
		start("https", srv, ls.HTTPS, true)
	} else {
		start("http", s.newHTTPServer("http", s.edge), ls.HTTP, false)
	}

	if ls.Admin != nil && s.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
		start("admin", &http.Server{Handler: mux, ReadHeaderTimeout: config.DefaultReadHeaderTimeout}, ls.Admin, false)
	}

	if s.limiter != nil {
		g.Go(func() error { return s.limiter.Run(gctx, pruneInterval, pruneIdle) })
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.log.Warn().Err(err).Msg("shutdown")
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) newHTTPServer(name string, h http.Handler) *http.Server {
	t := s.cfg.Timeouts
	srv := &http.Server{
		Handler:           h,
		ReadTimeout:       t.Read,
		ReadHeaderTimeout: t.ReadHeader,
		WriteTimeout:      t.Write,
		IdleTimeout:       t.Idle,
		ErrorLog:          newStdLogger(s.log.With().Str("listener", name).Logger()),
	}
	if s.metrics != nil {
		srv.ConnState = func(_ net.Conn, st http.ConnState) {
			switch st {
			case http.StateNew:
				s.metrics.IncActiveConns(name)
			case http.StateHijacked, http.StateClosed:
				s.metrics.DecActiveConns(name)
			}
		}
	}
	return srv
}

func (s *Server) countRedirects(h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IncRedirect()
		h.ServeHTTP(w, r)
	})
}
