package version

// Value is overridden at build time with -ldflags "-X github.com/fabian4/edge-router/internal/version.Value=v1.2.3".
var Value = "dev"
