package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitDelaysSecondRequest(t *testing.T) {
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "http://www.cninfo.com.cn/new/hisAnnouncement/query"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "http://www.cninfo.com.cn/new/hisAnnouncement/query"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host b blocked by host a")
	}
}

func TestLimiterHostOverride(t *testing.T) {
	l := New(Config{DefaultRPS: 1000, DefaultBurst: 1, Hosts: map[string]float64{"slow.example": 0.001}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "https://slow.example/a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(ctx, "https://slow.example/b"); err == nil {
		t.Fatal("expected overridden host to exceed the deadline")
	}
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := l.Wait(ctx, "https://fast.example"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter throttled requests")
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://ebs.hebeieb.com:8443/x"); got != "ebs.hebeieb.com" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := hostOf("::bad"); got != "unknown" {
		t.Fatalf("unexpected host %q", got)
	}
}
