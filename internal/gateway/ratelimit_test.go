package gateway_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/gateway"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	tb := gateway.NewTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d refused inside burst", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	// 6000/min refills at 100 tokens per second.
	tb := gateway.NewTokenBucket(6000, 1)
	if !tb.Allow() {
		t.Fatal("first request refused")
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(50 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimiterDisabledAtZeroRate(t *testing.T) {
	rl := gateway.NewRateLimiter(0, 0, discardLogger())
	if rl.Enabled() {
		t.Fatal("zero rpm limiter reports enabled")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatal("disabled limiter refused a request")
		}
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := gateway.NewRateLimiter(1, 1, discardLogger())
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first client refused its budget")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("first client got a second token")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("second client starved by the first")
	}
	if rl.BucketCount() != 2 {
		t.Errorf("bucket count = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimiterEvictsStaleBuckets(t *testing.T) {
	rl := gateway.NewRateLimiter(1, 1, discardLogger())
	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	time.Sleep(20 * time.Millisecond)
	rl.EvictStale(10 * time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Errorf("bucket count after eviction = %d, want 0", rl.BucketCount())
	}
}
