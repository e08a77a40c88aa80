// Package cors turns a route's CORS policy into response headers.
package cors

import (
	"net/http"

	"github.com/fabian4/edge-router/internal/model"
)

const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
)

// Headers returns the headers p attaches to every response, or nil for a nil policy.
// It does not depend on the outcome of the request.
func Headers(p *model.CORSPolicy) http.Header {
	if p == nil {
		return nil
	}
	h := make(http.Header, 4)
	h.Set(HeaderAllowOrigin, p.AllowOrigin)
	h.Set(HeaderAllowMethods, orDefault(p.AllowMethods, model.DefaultAllowMethods))
	if p.AllowCredentials {
		h.Set(HeaderAllowCredentials, "true")
	}
	h.Set(HeaderAllowHeaders, orDefault(p.AllowHeaders, model.DefaultAllowHeaders))
	return h
}

// IsPreflight reports whether r should be answered with 204 under p.
// Only routes carrying a policy short-circuit OPTIONS.
func IsPreflight(r *http.Request, p *model.CORSPolicy) bool {
	return p != nil && r.Method == http.MethodOptions
}

// Apply sets h on dst. A non-nil h replaces every Access-Control-Allow-*
// header already on dst, including those h omits.
func Apply(dst, h http.Header) {
	if h == nil {
		return
	}
	for _, k := range []string{HeaderAllowOrigin, HeaderAllowMethods, HeaderAllowCredentials, HeaderAllowHeaders} {
		dst.Del(k)
	}
	for k, vv := range h {
		dst[k] = append([]string(nil), vv...)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
