package model

import (
	"errors"
	"net/http"
)

var (
	ErrNoRouteMatched      = errors.New("no route matched")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrNotFound            = errors.New("not found")
	ErrCertificateLoad     = errors.New("certificate load failure")
)

// StatusCode maps a dispatch error to the status written to the client.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoRouteMatched), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
