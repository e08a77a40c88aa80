package handler

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabian4/edge-router/internal/config"
	"github.com/fabian4/edge-router/internal/cors"
	fwd "github.com/fabian4/edge-router/internal/forward"
	"github.com/fabian4/edge-router/internal/metrics"
	"github.com/fabian4/edge-router/internal/model"
	"github.com/fabian4/edge-router/internal/proxy"
	"github.com/fabian4/edge-router/internal/ratelimit"
	"github.com/fabian4/edge-router/internal/router"
	"github.com/fabian4/edge-router/internal/static"
)

// Dispatcher serves a matched request. It returns an error only when nothing
// has been written to w.
type Dispatcher interface {
	Dispatch(w http.ResponseWriter, r *http.Request) error
}

type Options struct {
	Transports      fwd.Factory
	UpstreamTimeout time.Duration
	AccessLog       io.Writer
	AccessLogConfig config.AccessLogConfig
	Metrics         *metrics.Registry
	Limiter         *ratelimit.Limiter
	Log             zerolog.Logger
}

// Edge runs the routing pipeline for requests that arrived on the serving listener:
// match, CORS, preflight, rate limit, dispatch.
type Edge struct {
	routes     *router.Table
	dispatch   map[string]Dispatcher // by route name
	limiter    *ratelimit.Limiter
	metrics    *metrics.Registry
	accessLog  zerolog.Logger
	alc        config.AccessLogConfig
	allowField map[string]bool
	log        zerolog.Logger
}

var _ http.Handler = (*Edge)(nil)

// NewEdge builds one dispatcher per route. Routes must already be validated.
func NewEdge(routes []model.Route, opts Options) (*Edge, error) {
	if opts.Transports == nil {
		opts.Transports = fwd.NewDefaultRegistry()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter()
	}
	if opts.AccessLog == nil {
		opts.AccessLog = io.Discard
	}
	e := &Edge{
		routes:    router.New(routes),
		dispatch:  make(map[string]Dispatcher, len(routes)),
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		accessLog: zerolog.New(opts.AccessLog),
		alc:       opts.AccessLogConfig,
		log:       opts.Log,
	}
	if len(e.alc.Fields) > 0 {
		e.allowField = make(map[string]bool, len(e.alc.Fields))
		for _, f := range e.alc.Fields {
			e.allowField[f] = true
		}
	}

	for _, rt := range routes {
		switch t := rt.Target.(type) {
		case model.ForwardTo:
			l := opts.Log.With().Str("route", rt.Name).Logger()
			e.dispatch[rt.Name] = proxy.New(t, opts.Transports, opts.UpstreamTimeout, l)
		case model.ServeStatic:
			s, err := static.New(t)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rt.Name, err)
			}
			e.dispatch[rt.Name] = s
		default:
			return nil, fmt.Errorf("route %q: unsupported target %T", rt.Name, rt.Target)
		}
	}
	return e, nil
}

// handle replaces the dispatcher built for route. It is not safe to call
// while serving.
func (e *Edge) handle(route string, d Dispatcher) {
	e.dispatch[route] = d
}

func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &responseWriter{ResponseWriter: w}
	requestID := proxy.RequestID(r)
	lw.Header().Set(proxy.HeaderRequestID, requestID)

	var route *model.Route
	var upstream string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		routeName, target := "", ""
		if route != nil {
			routeName, target = route.Name, route.Target.Kind()
		}
		e.writeAccessLog(accessEntry{
			Time:         start,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Route:        routeName,
			Target:       target,
			Upstream:     upstream,
			BytesWritten: lw.bytes,
			RequestID:    requestID,
		})
		if e.metrics != nil {
			e.metrics.IncRequest(routeName, target, r.Method, strconv.Itoa(status))
			e.metrics.ObserveLatency(routeName, target, duration)
		}
	}()

	route, err := e.routes.Match(r.URL.Path)
	if err != nil {
		e.fail(lw, r, nil, err)
		return
	}

	lw.pinned = cors.Headers(route.CORS)
	if cors.IsPreflight(r, route.CORS) {
		lw.WriteHeader(http.StatusNoContent)
		return
	}

	if route.RateLimit != nil && !e.limiter.Allow(ratelimit.Key(route.Name, route.RateLimit, r), route.RateLimit) {
		if e.metrics != nil {
			e.metrics.IncRateLimited(route.Name)
		}
		http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if t, ok := route.Target.(model.ForwardTo); ok && t.Upstream != nil {
		upstream = t.Upstream.Host
	}
	d, ok := e.dispatch[route.Name]
	if !ok {
		e.fail(lw, r, route, fmt.Errorf("route %q: no dispatcher", route.Name))
		return
	}
	if err := d.Dispatch(lw, r); err != nil {
		e.fail(lw, r, route, err)
	}
}

func (e *Edge) fail(w http.ResponseWriter, r *http.Request, route *model.Route, err error) {
	code := model.StatusCode(err)
	switch {
	case errors.Is(err, model.ErrUpstreamUnreachable):
		e.log.Warn().Err(err).Str("route", route.Name).Str("path", r.URL.Path).Msg("upstream error")
		if e.metrics != nil {
			e.metrics.IncUpstreamError(route.Name)
		}
	case code >= http.StatusInternalServerError:
		e.log.Error().Err(err).Str("path", r.URL.Path).Msg("dispatch failed")
	}
	http.Error(w, http.StatusText(code), code)
}

type accessEntry struct {
	Time         time.Time
	Method       string
	Path         string
	Protocol     string
	Status       int
	Duration     int64
	RemoteIP     string
	UserAgent    string
	Referer      string
	Route        string
	Target       string
	Upstream     string
	BytesWritten int64
	RequestID    string
}

func (e *Edge) writeAccessLog(entry accessEntry) {
	// Sampling
	if e.alc.Sampling < 1.0 && rand.Float64() >= e.alc.Sampling {
		return
	}
	allowed := func(f string) bool { return e.allowField == nil || e.allowField[f] }

	ev := e.accessLog.Log()
	if allowed("time") {
		ev = ev.Time("time", entry.Time)
	}
	if allowed("method") {
		ev = ev.Str("method", entry.Method)
	}
	if allowed("path") {
		ev = ev.Str("path", entry.Path)
	}
	if allowed("protocol") {
		ev = ev.Str("protocol", entry.Protocol)
	}
	if allowed("status") {
		ev = ev.Int("status", entry.Status)
	}
	if allowed("duration_ms") {
		ev = ev.Int64("duration_ms", entry.Duration)
	}
	if allowed("remote_ip") {
		ev = ev.Str("remote_ip", entry.RemoteIP)
	}
	if allowed("user_agent") {
		ev = ev.Str("user_agent", entry.UserAgent)
	}
	if allowed("referer") {
		ev = ev.Str("referer", entry.Referer)
	}
	if allowed("route") && entry.Route != "" {
		ev = ev.Str("route", entry.Route)
	}
	if allowed("target") && entry.Target != "" {
		ev = ev.Str("target", entry.Target)
	}
	if allowed("upstream") && entry.Upstream != "" {
		ev = ev.Str("upstream", entry.Upstream)
	}
	if allowed("bytes_written") {
		ev = ev.Int64("bytes_written", entry.BytesWritten)
	}
	if allowed("request_id") {
		ev = ev.Str("request_id", entry.RequestID)
	}
	ev.Send()
}

// responseWriter records status and size, and re-applies the pinned CORS
// headers right before the header is written so they win over upstream copies.
type responseWriter struct {
	http.ResponseWriter
	pinned      http.Header
	statusCode  int
	bytes       int64
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	cors.Apply(w.ResponseWriter.Header(), w.pinned)
	w.statusCode = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
