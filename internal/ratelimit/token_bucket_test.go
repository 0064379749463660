package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	if _, err := NewTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected nil client error")
	}
	if _, err := NewTokenBucket(client, 0, time.Minute, ""); err == nil {
		t.Fatal("expected capacity error")
	}
	if _, err := NewTokenBucket(client, 10, time.Microsecond, ""); err == nil {
		t.Fatal("expected window error")
	}

	b, err := NewTokenBucket(client, 10, time.Minute, " custom: ")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if got := b.key(" user-1 "); got != "custom:user-1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := b.key(""); got != "custom:anonymous" {
		t.Fatalf("unexpected anonymous key %q", got)
	}
}

func TestTakeShortCircuits(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	b, err := NewTokenBucket(client, 5, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}

	d, err := b.Take(context.Background(), "u", 0)
	if err != nil || !d.Allowed || d.Remaining != 5 {
		t.Fatalf("expected free take to be allowed, got %+v err=%v", d, err)
	}
	if _, err := b.Take(context.Background(), "u", 6); err == nil {
		t.Fatal("expected cost above capacity to fail")
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(0), int64(3), int64(1500)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Allowed || d.Remaining != 3 || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := parseDecision([]any{int64(1)}); err == nil {
		t.Fatal("expected short response error")
	}
	if _, err := parseDecision([]any{int64(1), "x", int64(0)}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestToInt64(t *testing.T) {
	cases := []any{int64(7), 7, float64(7.9), "7"}
	for _, in := range cases {
		got, err := toInt64(in)
		if err != nil || got != 7 {
			t.Fatalf("%T: expected 7, got %d err=%v", in, got, err)
		}
	}
	if _, err := toInt64(true); err == nil {
		t.Fatal("expected unsupported type error")
	}
}
