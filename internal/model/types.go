package model

import "net/url"

// Upstream protocols understood by the forward registry.
const (
	ProtoHTTP1 = "http1"
	ProtoAuto  = "auto"
	ProtoH2C   = "h2c"
)

// Route is one entry of the ordered route table.
type Route struct {
	Name       string
	PathPrefix string      // must start with "/"
	Target     Target      // ForwardTo or ServeStatic
	CORS       *CORSPolicy // optional
	RateLimit  *RateLimit  // optional
}

// Target is where a matched request is dispatched.
type Target interface {
	Kind() string
}

// ForwardTo relays the request to a single upstream.
type ForwardTo struct {
	Upstream *url.URL
	Proto    string // ProtoHTTP1 | ProtoAuto | ProtoH2C
}

func (ForwardTo) Kind() string { return "forward" }

// ServeStatic serves files below Root, falling back to Fallback (relative to Root)
// when the requested file does not exist.
type ServeStatic struct {
	Root     string
	Fallback string // empty => 404 on miss
	Compress bool
}

func (ServeStatic) Kind() string { return "static" }

// Default CORS header values.
const (
	DefaultAllowMethods = "GET, POST, PUT, DELETE, OPTIONS, HEAD, PATCH"
	DefaultAllowHeaders = "Content-Type, Authorization, X-Requested-With"
)

// CORSPolicy is the set of header values a route attaches to every response.
type CORSPolicy struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
}

// RateLimit configures a token bucket for a route.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
	PerClient         bool // one bucket per client IP instead of one per route
}
