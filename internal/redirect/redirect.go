package redirect

import (
	"net"
	"net/http"
	"strings"
)

// Redirector answers every plaintext request with a 301 to the https origin.
type Redirector struct {
	// Port is appended to the host when the https listener is not on 443.
	Port string
	// FallbackHost is used when the request carries no Host header.
	FallbackHost string
}

var _ http.Handler = (*Redirector)(nil)

// New builds a Redirector for an https listener address such as ":443" or "0.0.0.0:8443".
func New(httpsAddr, fallbackHost string) *Redirector {
	_, port, err := net.SplitHostPort(httpsAddr)
	if err != nil || port == "443" {
		port = ""
	}
	return &Redirector{Port: port, FallbackHost: fallbackHost}
}

func (rd *Redirector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	if host == "" {
		host = rd.FallbackHost
	}
	if host == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	w.Header().Set("Location", rd.Location(host, requestURI(r)))
	w.WriteHeader(http.StatusMovedPermanently)
}

// Location returns the https URL for host and an origin-form request URI.
func (rd *Redirector) Location(host, uri string) string {
	switch {
	case rd.Port != "":
		host = net.JoinHostPort(host, rd.Port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return "https://" + host + uri
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" && strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return strings.Trim(host, "[]")
	}
	return strings.Trim(h, "[]")
}
