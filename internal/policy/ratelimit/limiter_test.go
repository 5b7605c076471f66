package ratelimit

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://test.com/a"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/b"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.com"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://slow.com"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestLimiterPenalizeAndRecover(t *testing.T) {
	l := New(Config{DefaultRPS: 8, DefaultBurst: 1, MinRPS: 2})
	url := "https://cars.example.com/search"

	l.Penalize(url)
	if got := l.Limit(url); got != 4 {
		t.Fatalf("expected 4 rps after one penalty, got %v", got)
	}
	l.Penalize(url)
	l.Penalize(url)
	if got := l.Limit(url); got != 2 {
		t.Fatalf("expected floor of 2 rps, got %v", got)
	}
	l.Recover(url)
	if got := l.Limit(url); got != 8 {
		t.Fatalf("expected base rate restored, got %v", got)
	}
}

func TestLimiterUnlimitedIgnoresPenalty(t *testing.T) {
	l := New(Config{})
	l.Penalize("https://x.com")
	if got := l.Limit("https://x.com"); got != rate.Inf {
		t.Fatalf("expected unlimited rate, got %v", got)
	}
}
