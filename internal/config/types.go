package config

import (
	"time"

	"github.com/fabian4/edge-router/internal/model"
)

// Config is the validated, immutable router configuration.
type Config struct {
	Listen     Listen
	TLS        TLS
	ServerName string // redirect host when the request has none
	Routes     []model.Route
	Timeouts   Timeouts
	AccessLog  AccessLogConfig
	Metrics    MetricsConfig
}

type Listen struct {
	HTTP  string
	HTTPS string
}

// TLS holds certificate paths. Renewal is handled outside the router.
type TLS struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Timeouts; zero means no limit.
type Timeouts struct {
	Read           time.Duration
	ReadHeader     time.Duration
	Write          time.Duration
	Idle           time.Duration
	Upstream       time.Duration // whole upstream exchange
	Dial           time.Duration
	ResponseHeader time.Duration
}

type AccessLogConfig struct {
	Sampling float64  // 0..1, fraction of requests logged
	Fields   []string // optional allow-list; empty logs every field
}

type MetricsConfig struct {
	Address string // admin listener for /metrics and /healthz; empty disables
}

// AccessLogFields lists the names accepted in access_log.fields.
var AccessLogFields = []string{
	"time", "method", "path", "protocol", "status", "duration_ms", "remote_ip",
	"user_agent", "referer", "route", "target", "upstream", "bytes_written", "request_id",
}

const (
	DefaultHTTPAddr          = ":80"
	DefaultHTTPSAddr         = ":443"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultDialTimeout       = 5 * time.Second
)
