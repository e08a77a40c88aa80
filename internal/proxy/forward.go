// Package proxy relays requests to a ForwardTo target over a pooled transport.
// It is a hand-rolled HTTP relay (no httputil.ReverseProxy).
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	fwd "github.com/fabian4/edge-router/internal/forward"
	"github.com/fabian4/edge-router/internal/model"
)

const HeaderRequestID = "X-Request-Id"

// Forwarder relays requests for one route to its upstream.
type Forwarder struct {
	Target    model.ForwardTo
	Transport http.RoundTripper
	// Timeout bounds the whole upstream exchange; 0 disables.
	Timeout time.Duration
	Log     zerolog.Logger
}

func New(t model.ForwardTo, f fwd.Factory, timeout time.Duration, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		Target:    t,
		Transport: f.Get(t.Proto),
		Timeout:   timeout,
		Log:       log,
	}
}

// UpstreamURL is the upstream base joined with the request path and query.
func (p *Forwarder) UpstreamURL(r *http.Request) *url.URL {
	base := p.Target.Upstream
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, r.URL.Path)
	if r.URL.RawPath != "" {
		u.RawPath = joinSlash(base.EscapedPath(), r.URL.RawPath)
	}
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	return u
}

// Dispatch forwards r and relays the upstream response to w. Errors are
// returned only when nothing has been written yet; a failed dial or round
// trip wraps model.ErrUpstreamUnreachable.
func (p *Forwarder) Dispatch(w http.ResponseWriter, r *http.Request) error {
	u := p.UpstreamURL(r)

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	setRealIP(hdr, r.RemoteAddr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	ensureRequestID(hdr)

	ctx := r.Context()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var body io.Reader = r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength
	reqUp.Host = r.Host

	resUp, err := p.Transport.RoundTrip(reqUp)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrUpstreamUnreachable, p.Target.Upstream.Host, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			p.Log.Debug().Err(err).Msg("close upstream body")
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if _, err := io.Copy(w, resUp.Body); err != nil {
		p.Log.Warn().Err(err).Str("upstream", u.Host).Msg("relay body")
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return nil
}

// --- helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "Te" && h.Get("Te") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func clientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	return ip
}

func setRealIP(h http.Header, remoteAddr string) {
	if ip := clientIP(remoteAddr); ip != "" {
		h.Set("X-Real-IP", ip)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip := clientIP(remoteAddr)
	if ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Values(key); len(prior) > 0 {
		h.Set(key, strings.Join(prior, ", ")+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// ensureRequestID keeps an incoming request id and generates one otherwise.
func ensureRequestID(h http.Header) string {
	id := h.Get(HeaderRequestID)
	if id == "" {
		id = uuid.New().String()
		h.Set(HeaderRequestID, id)
	}
	return id
}

// RequestID returns the request id of r, generating and storing one if absent.
func RequestID(r *http.Request) string {
	return ensureRequestID(r.Header)
}
