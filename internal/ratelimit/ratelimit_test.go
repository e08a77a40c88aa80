package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fabian4/edge-router/internal/model"
)

func TestLimiter_Allow(t *testing.T) {
	l := NewLimiter()
	rl := &model.RateLimit{RequestsPerSecond: 1, Burst: 1}

	key := "api"
	if !l.Allow(key, rl) {
		t.Errorf("expected Allow to return true for initial request")
	}
	// We just consumed the burst. Next one should fail immediately.
	if l.Allow(key, rl) {
		t.Errorf("expected Allow to return false when burst exceeded")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	rl := &model.RateLimit{RequestsPerSecond: 10, Burst: 1}

	if !l.Allow("api", rl) {
		t.Fatal("first request should pass")
	}
	if l.Allow("api", rl) {
		t.Fatal("second request should be limited")
	}
	now = now.Add(150 * time.Millisecond)
	if !l.Allow("api", rl) {
		t.Fatal("token should have refilled after 100ms at 10 rps")
	}
}

func TestLimiter_NilPolicy(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		if !l.Allow("api", nil) {
			t.Fatalf("nil policy limited request %d", i)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("nil policy created buckets: %d", l.Len())
	}
}

func TestLimiter_DifferentKeys(t *testing.T) {
	l := NewLimiter()
	rl := &model.RateLimit{RequestsPerSecond: 1, Burst: 1}

	if !l.Allow("A", rl) {
		t.Error("A should be allowed")
	}
	if l.Allow("A", rl) {
		t.Error("A should be blocked")
	}
	if !l.Allow("B", rl) {
		t.Error("B should be allowed (independent of A)")
	}
}

func TestKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/tasks", nil)
	r.RemoteAddr = "203.0.113.10:1234"

	if got := Key("api", &model.RateLimit{}, r); got != "api" {
		t.Fatalf("route key: got %q, want api", got)
	}
	if got := Key("api", &model.RateLimit{PerClient: true}, r); got != "api|203.0.113.10" {
		t.Fatalf("client key: got %q, want api|203.0.113.10", got)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	rl := &model.RateLimit{RequestsPerSecond: 1, Burst: 1}

	l.Allow("old", rl)
	now = now.Add(10 * time.Minute)
	l.Allow("fresh", rl)

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Fatalf("pruned: got %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("remaining: got %d, want 1", l.Len())
	}
}

func TestLimiter_RunStopsOnCancel(t *testing.T) {
	l := NewLimiter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, time.Millisecond, time.Minute) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
