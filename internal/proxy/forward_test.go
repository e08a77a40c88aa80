package proxy

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	fwd "github.com/fabian4/edge-router/internal/forward"
	"github.com/fabian4/edge-router/internal/model"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url %q: %v", s, err)
	}
	return u
}

func newForwarder(t *testing.T, upstream string, timeout time.Duration) *Forwarder {
	t.Helper()
	target := model.ForwardTo{Upstream: mustURL(t, upstream), Proto: model.ProtoHTTP1}
	return New(target, fwd.NewDefaultRegistry(), timeout, zerolog.Nop())
}

func TestForwarder_HeadersAmended(t *testing.T) {
	var seen http.Header
	var seenHost, seenPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenHost = r.Host
		seenPath = r.URL.RequestURI()
		w.Header().Set("X-Up", "ok")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer up.Close()

	req := httptest.NewRequest(http.MethodPost, "https://tasks.example.com/api/tasks?page=2", strings.NewReader(`{"title":"x"}`))
	req.RemoteAddr = "203.0.113.10:54321"
	req.TLS = &tls.ConnectionState{}
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	// hop-by-hop on purpose; should be removed
	req.Header.Set("Connection", "keep-alive, FooHop")
	req.Header.Set("FooHop", "1")
	req.Header.Set("Upgrade", "websocket")

	rr := httptest.NewRecorder()
	if err := newForwarder(t, up.URL, 0).Dispatch(rr, req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusCreated)
	}
	if rr.Body.String() != "created" {
		t.Fatalf("body: got %q, want %q", rr.Body.String(), "created")
	}
	if rr.Header().Get("X-Up") != "ok" {
		t.Fatalf("upstream response header not relayed")
	}
	if seenHost != "tasks.example.com" {
		t.Fatalf("upstream Host: got %q, want %q", seenHost, "tasks.example.com")
	}
	if seenPath != "/api/tasks?page=2" {
		t.Fatalf("upstream path: got %q, want %q", seenPath, "/api/tasks?page=2")
	}
	if got := seen.Get("X-Forwarded-Proto"); got != "https" {
		t.Fatalf("X-Forwarded-Proto: got %q, want https", got)
	}
	if got := seen.Get("X-Forwarded-For"); got != "198.51.100.7, 203.0.113.10" {
		t.Fatalf("X-Forwarded-For: got %q", got)
	}
	if got := seen.Get("X-Real-IP"); got != "203.0.113.10" {
		t.Fatalf("X-Real-IP: got %q, want 203.0.113.10", got)
	}
	if got := seen.Get("X-Forwarded-Host"); got != "tasks.example.com" {
		t.Fatalf("X-Forwarded-Host: got %q", got)
	}
	if seen.Get("X-Request-Id") == "" {
		t.Fatalf("X-Request-Id not generated")
	}
	if seen.Get("Upgrade") != "" || seen.Get("FooHop") != "" {
		t.Fatalf("hop-by-hop leaked: Upgrade=%q FooHop=%q", seen.Get("Upgrade"), seen.Get("FooHop"))
	}
}

func TestForwarder_XFFJoinsEveryPriorLine(t *testing.T) {
	var seen []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Values("X-Forwarded-For")
	}))
	defer up.Close()

	req := httptest.NewRequest(http.MethodGet, "http://tasks.example.com/api/tasks", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Add("X-Forwarded-For", "10.0.0.1")
	req.Header.Add("X-Forwarded-For", "10.0.0.2")

	if err := newForwarder(t, up.URL, 0).Dispatch(httptest.NewRecorder(), req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(seen) != 1 || seen[0] != "10.0.0.1, 10.0.0.2, 203.0.113.10" {
		t.Fatalf("X-Forwarded-For: got %q, want [\"10.0.0.1, 10.0.0.2, 203.0.113.10\"]", seen)
	}
}

func TestForwarder_PlaintextProtoAndRequestIDKept(t *testing.T) {
	var xfp, rid string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xfp = r.Header.Get("X-Forwarded-Proto")
		rid = r.Header.Get("X-Request-Id")
	}))
	defer up.Close()

	req := httptest.NewRequest(http.MethodGet, "http://localhost/api/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rr := httptest.NewRecorder()
	if err := newForwarder(t, up.URL, 0).Dispatch(rr, req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if xfp != "http" {
		t.Fatalf("X-Forwarded-Proto: got %q, want http", xfp)
	}
	if rid != "abc-123" {
		t.Fatalf("X-Request-Id: got %q, want abc-123", rid)
	}
}

func TestForwarder_UpstreamBasePath(t *testing.T) {
	f := newForwarder(t, "http://app:8000/v1/", 0)
	req := httptest.NewRequest(http.MethodGet, "/api/users?id=7", nil)
	if got := f.UpstreamURL(req).String(); got != "http://app:8000/v1/api/users?id=7" {
		t.Fatalf("upstream url: got %q", got)
	}
}

func TestForwarder_Trailers(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		_, _ = io.WriteString(w, "payload")
		w.Header().Set("X-Checksum", "42")
	}))
	defer up.Close()

	edge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := newForwarder(t, up.URL, 0).Dispatch(w, r); err != nil {
			http.Error(w, err.Error(), model.StatusCode(err))
		}
	}))
	defer edge.Close()

	res, err := http.Get(edge.URL + "/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	b, _ := io.ReadAll(res.Body)
	if string(b) != "payload" {
		t.Fatalf("body: got %q", b)
	}
	if got := res.Trailer.Get("X-Checksum"); got != "42" {
		t.Fatalf("trailer: got %q, want 42", got)
	}
}

func TestForwarder_UnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	err = newForwarder(t, "http://"+addr, 0).Dispatch(rr, req)
	if !errors.Is(err, model.ErrUpstreamUnreachable) {
		t.Fatalf("error: got %v, want ErrUpstreamUnreachable", err)
	}
	if rr.Body.Len() != 0 || rr.Flushed {
		t.Fatalf("response written before error was returned")
	}
	if model.StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", model.StatusCode(err))
	}
}

func TestForwarder_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer up.Close()
	defer close(release)

	start := time.Now()
	err := newForwarder(t, up.URL, 50*time.Millisecond).Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	if !errors.Is(err, model.ErrUpstreamUnreachable) {
		t.Fatalf("error: got %v, want ErrUpstreamUnreachable", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("dispatch hung for %v", d)
	}
}

func TestDropHopByHop_KeepsTETrailers(t *testing.T) {
	h := http.Header{}
	h.Set("TE", "trailers")
	h.Set("Keep-Alive", "timeout=5")
	dropHopByHop(h)
	if h.Get("TE") != "trailers" {
		t.Fatalf("TE: trailers should be kept")
	}
	if h.Get("Keep-Alive") != "" {
		t.Fatalf("Keep-Alive should be dropped")
	}
}
