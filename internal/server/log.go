package server

import (
	"log"
	"strings"

	"github.com/rs/zerolog"
)

// errorLogWriter routes net/http's internal error log (TLS handshake failures,
// panics in handlers) through zerolog.
type errorLogWriter struct {
	log zerolog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.log.Warn().Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newStdLogger(l zerolog.Logger) *log.Logger {
	return log.New(errorLogWriter{log: l}, "", 0)
}
