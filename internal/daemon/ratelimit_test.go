package daemon

import "testing"

func TestUpdateLimiterPerPeer(t *testing.T) {
	l := NewUpdateLimiter(&UpdateLimitConfig{
		UpdatesPerSecond:       0.001,
		Burst:                  2,
		GlobalUpdatesPerSecond: 100,
		GlobalBurst:            100,
	})

	for i := 0; i < 2; i++ {
		if !l.Allow("home/a", 10) {
			t.Fatalf("Update %d within burst should be allowed", i+1)
		}
	}
	if l.Allow("home/a", 10) {
		t.Error("Update over burst should be dropped")
	}
	if !l.Allow("home/b", 10) {
		t.Error("Another peer has its own bucket")
	}

	if got := l.Dropped()["home/a"]; got != 1 {
		t.Errorf("Dropped for home/a: got %d, want 1", got)
	}

	l.Forget("home/a")
	if !l.Allow("home/a", 10) {
		t.Error("Forgotten peer should start with a fresh bucket")
	}
}

func TestUpdateLimiterGlobal(t *testing.T) {
	l := NewUpdateLimiter(&UpdateLimitConfig{
		UpdatesPerSecond:       100,
		Burst:                  100,
		GlobalUpdatesPerSecond: 0.001,
		GlobalBurst:            3,
	})

	allowed := 0
	for _, peer := range []string{"home/a", "home/b", "home/c", "home/d", "home/e"} {
		if l.Allow(peer, 1) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Global burst: got %d allowed, want 3", allowed)
	}
}

func TestUpdateLimiterDefaults(t *testing.T) {
	l := NewUpdateLimiter(nil)
	for i := 0; i < 20; i++ {
		if !l.Allow("home/a", 1) {
			t.Fatalf("Default burst should allow 20 updates, stopped at %d", i)
		}
	}
}
