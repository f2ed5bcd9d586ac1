package http

import (
	"net/http"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(100, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two calls must pass")
	}
	if rl.Allow("a") {
		t.Fatal("third call inside the window must be rejected")
	}
	if !rl.Allow("b") {
		t.Fatal("keys are independent")
	}

	now = now.Add(1500 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("window must slide")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	now := time.Unix(100, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		rl.Allow(ip)
	}
	if n := rl.keys(); n != 3 {
		t.Fatalf("tracked %d keys, want 3", n)
	}

	now = now.Add(500 * time.Millisecond)
	rl.Allow("10.0.0.1")
	if n := rl.keys(); n != 3 {
		t.Fatalf("keys inside their window must stay, tracked %d", n)
	}

	now = now.Add(700 * time.Millisecond)
	rl.Allow("10.0.0.4")
	if n := rl.keys(); n != 2 {
		t.Fatalf("idle keys must be evicted, tracked %d keys", n)
	}
	if !rl.Allow("10.0.0.1") {
		t.Fatal("key with one call left in its window must still pass once")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("window must still count calls made before the sweep")
	}
}

func TestConnectIsRateLimited(t *testing.T) {
	v := &fakeVoice{}
	srv, client := newServer(t, v)

	var last int
	for i := 0; i <= connectLimit; i++ {
		resp, _ := do(t, client, http.MethodPost, srv.URL+"/api/voice/connect", `{"channel_id":"general"}`)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status %d after %d connects", last, connectLimit+1)
	}
	if n := len(v.calls()); n != connectLimit {
		t.Fatalf("%d connects reached the coordinator", n)
	}
}
