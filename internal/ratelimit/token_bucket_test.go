package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "rl:convert:", capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := bucket.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v err=%v", i+1, d, err)
		}
	}
	d, err := bucket.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third request to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s, got %s", d.RetryAfter)
	}

	if d, _ := bucket.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Fatalf("buckets must be per client")
	}
	if !mr.Exists("rl:convert:10.0.0.1") {
		t.Fatalf("expected prefixed key in redis")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	if d, _ := bucket.Allow(ctx, "c"); !d.Allowed {
		t.Fatalf("expected first request allowed")
	}
	if d, _ := bucket.Allow(ctx, "c"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}

	// The script takes the clock from the caller, so advancing now is enough.
	now = now.Add(500 * time.Millisecond)
	d, err := bucket.Allow(ctx, "c")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refilled token, got %+v err=%v", d, err)
	}
	if d.Remaining != 0 {
		t.Fatalf("expected empty bucket after spending refill, got %v", d.Remaining)
	}
}
