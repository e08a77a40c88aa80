package forward

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/fabian4/edge-router/internal/model"
)

// Options tunes the upstream transports.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 disables
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Factory returns a RoundTripper by upstream proto.
type Factory interface {
	Get(proto string) http.RoundTripper
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers, one pool per proto.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

var _ Factory = (*Registry)(nil)

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry pre-registers the http1, auto and h2c transports.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[model.ProtoHTTP1] = r.newTransport(false)
	r.store[model.ProtoAuto] = r.newTransport(true)
	r.store[model.ProtoH2C] = r.newH2C()
	return r
}

// Get falls back to http1 for unknown names.
func (r *Registry) Get(proto string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[proto]; ok && rt != nil {
		return rt
	}
	return r.store[model.ProtoHTTP1]
}

func (r *Registry) Register(proto string, rt http.RoundTripper) {
	if proto == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[proto] = rt
	r.mu.Unlock()
}

func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		switch t := rt.(type) {
		case *http.Transport:
			t.CloseIdleConnections()
		case *http2.Transport:
			t.CloseIdleConnections()
		}
	}
}

func (r *Registry) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
}

// newTransport builds a pooled transport. Upstreams are not reached through the
// environment proxy: the router is itself the proxy.
func (r *Registry) newTransport(allowH2 bool) *http.Transport {
	tr := &http.Transport{
		DialContext:           r.dialer().DialContext,
		ForceAttemptHTTP2:     allowH2,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: r.opts.ResponseHeaderTimeout,
	}
	if !allowH2 {
		tr.TLSClientConfig = &tls.Config{NextProtos: []string{"http/1.1"}}
	}
	return tr
}

// newH2C speaks HTTP/2 with prior knowledge over plaintext TCP.
func (r *Registry) newH2C() *http2.Transport {
	d := r.dialer()
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
		IdleConnTimeout: r.opts.IdleConnTimeout,
	}
}
