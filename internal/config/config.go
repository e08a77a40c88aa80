package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/edge-router/internal/model"
	"github.com/fabian4/edge-router/internal/router"
)

type rawConfig struct {
	Listen struct {
		HTTP  string `yaml:"http"`
		HTTPS string `yaml:"https"`
	} `yaml:"listen"`
	TLS struct {
		Enabled  *bool  `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`
	ServerName string     `yaml:"server_name"`
	Routes     []rawRoute `yaml:"routes"`
	Timeouts   struct {
		Read           string `yaml:"read"`
		ReadHeader     string `yaml:"read_header"`
		Write          string `yaml:"write"`
		Idle           string `yaml:"idle"`
		Upstream       string `yaml:"upstream"`
		Dial           string `yaml:"dial"`
		ResponseHeader string `yaml:"response_header"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`
}

type rawRoute struct {
	Name       string `yaml:"name"`
	PathPrefix string `yaml:"path_prefix"`
	Forward    *struct {
		Upstream string `yaml:"upstream"`
		Proto    string `yaml:"proto"`
	} `yaml:"forward"`
	Static *struct {
		Root     string `yaml:"root"`
		Fallback string `yaml:"fallback"`
		Compress bool   `yaml:"compress"`
	} `yaml:"static"`
	CORS *struct {
		AllowOrigin      string `yaml:"allow_origin"`
		AllowMethods     string `yaml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers"`
		AllowCredentials *bool  `yaml:"allow_credentials"`
	} `yaml:"cors"`
	RateLimit *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		PerClient         bool    `yaml:"per_client"`
	} `yaml:"rate_limit"`
}

// ValidationError lists every problem found in a config document.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error { return e.Problems }

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document. All validation problems are
// reported together.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	cfg := &Config{
		Listen: Listen{
			HTTP:  orDefault(rc.Listen.HTTP, DefaultHTTPAddr),
			HTTPS: orDefault(rc.Listen.HTTPS, DefaultHTTPSAddr),
		},
		TLS: TLS{
			Enabled:  rc.TLS.Enabled == nil || *rc.TLS.Enabled,
			CertFile: strings.TrimSpace(rc.TLS.CertFile),
			KeyFile:  strings.TrimSpace(rc.TLS.KeyFile),
		},
		ServerName: strings.ToLower(strings.TrimSpace(rc.ServerName)),
		Metrics:    MetricsConfig{Address: strings.TrimSpace(rc.Metrics.Address)},
	}

	// tls
	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			fail("tls: cert_file is required when tls is enabled")
		}
		if cfg.TLS.KeyFile == "" {
			fail("tls: key_file is required when tls is enabled")
		}
	}

	// routes
	if len(rc.Routes) == 0 {
		fail("routes: at least one is required")
	}
	names := make(map[string]int)
	for i, r := range rc.Routes {
		route, err := parseRoute(i, r)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if j, dup := names[route.Name]; dup {
			fail("routes[%d]: duplicate name %q (routes[%d])", i, route.Name, j)
			continue
		}
		names[route.Name] = i
		cfg.Routes = append(cfg.Routes, route)
	}
	shadowed := router.Shadowed(cfg.Routes)
	for _, later := range slices.Sorted(maps.Keys(shadowed)) {
		earlier := shadowed[later]
		fail("routes: %q (path_prefix %q) is unreachable behind %q (path_prefix %q)",
			cfg.Routes[later].Name, cfg.Routes[later].PathPrefix,
			cfg.Routes[earlier].Name, cfg.Routes[earlier].PathPrefix)
	}

	// timeouts
	cfg.Timeouts = Timeouts{
		Read:           duration(&errs, "read", rc.Timeouts.Read, 0),
		ReadHeader:     duration(&errs, "read_header", rc.Timeouts.ReadHeader, DefaultReadHeaderTimeout),
		Write:          duration(&errs, "write", rc.Timeouts.Write, 0),
		Idle:           duration(&errs, "idle", rc.Timeouts.Idle, DefaultIdleTimeout),
		Upstream:       duration(&errs, "upstream", rc.Timeouts.Upstream, 0),
		Dial:           duration(&errs, "dial", rc.Timeouts.Dial, DefaultDialTimeout),
		ResponseHeader: duration(&errs, "response_header", rc.Timeouts.ResponseHeader, 0),
	}

	// access log
	cfg.AccessLog.Sampling = 1.0
	if rc.AccessLog.Sampling != nil {
		cfg.AccessLog.Sampling = *rc.AccessLog.Sampling
		if cfg.AccessLog.Sampling < 0 || cfg.AccessLog.Sampling > 1 {
			fail("access_log: sampling %v out of range [0,1]", cfg.AccessLog.Sampling)
		}
	}
	for _, f := range rc.AccessLog.Fields {
		f = strings.TrimSpace(f)
		if !slices.Contains(AccessLogFields, f) {
			fail("access_log: unknown field %q", f)
			continue
		}
		cfg.AccessLog.Fields = append(cfg.AccessLog.Fields, f)
	}

	if errs != nil {
		return nil, &ValidationError{Problems: multierr.Errors(errs)}
	}
	return cfg, nil
}

func parseRoute(i int, r rawRoute) (model.Route, error) {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("routes[%d]: "+format, append([]any{i}, args...)...))
	}

	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = fmt.Sprintf("route-%d", i)
	}
	pfx := strings.TrimSpace(r.PathPrefix)
	if !strings.HasPrefix(pfx, "/") {
		fail("path_prefix must start with '/'")
	}
	route := model.Route{Name: name, PathPrefix: pfx}

	switch {
	case r.Forward != nil && r.Static != nil:
		fail("forward and static are mutually exclusive")
	case r.Forward != nil:
		u, err := url.Parse(strings.TrimSpace(r.Forward.Upstream))
		switch {
		case err != nil:
			fail("forward.upstream: parse: %v", err)
		case (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
			fail("forward.upstream must be http(s) URL with host")
		}
		proto := strings.ToLower(strings.TrimSpace(r.Forward.Proto))
		if proto == "" {
			proto = model.ProtoHTTP1
		}
		switch proto {
		case model.ProtoHTTP1, model.ProtoAuto, model.ProtoH2C:
		default:
			fail("forward: unknown proto %q", proto)
		}
		if proto == model.ProtoH2C && u != nil && u.Scheme == "https" {
			fail("forward: proto h2c requires an http:// upstream")
		}
		route.Target = model.ForwardTo{Upstream: u, Proto: proto}
	case r.Static != nil:
		root := strings.TrimSpace(r.Static.Root)
		if root == "" {
			fail("static.root is required")
		}
		route.Target = model.ServeStatic{
			Root:     root,
			Fallback: strings.TrimSpace(r.Static.Fallback),
			Compress: r.Static.Compress,
		}
	default:
		fail("one of forward or static is required")
	}

	if c := r.CORS; c != nil {
		origin := strings.TrimSpace(c.AllowOrigin)
		if origin == "" {
			fail("cors.allow_origin is required")
		}
		route.CORS = &model.CORSPolicy{
			AllowOrigin:      origin,
			AllowMethods:     strings.TrimSpace(c.AllowMethods),
			AllowHeaders:     strings.TrimSpace(c.AllowHeaders),
			AllowCredentials: c.AllowCredentials == nil || *c.AllowCredentials,
		}
	}

	if rl := r.RateLimit; rl != nil {
		if rl.RequestsPerSecond <= 0 {
			fail("rate_limit.requests_per_second must be > 0")
		}
		burst := rl.Burst
		if burst == 0 {
			burst = 1
		}
		if burst < 0 {
			fail("rate_limit.burst must be >= 0")
		}
		route.RateLimit = &model.RateLimit{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             burst,
			PerClient:         rl.PerClient,
		}
	}

	return route, errs
}

func duration(errs *error, key, raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("timeouts.%s: %v", key, err))
		return def
	}
	if d < 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("timeouts.%s: must not be negative", key))
		return def
	}
	return d
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
