package consensus

import (
	"testing"
	"time"
)

func TestTimeoutLifecycle(t *testing.T) {
	clock := time.Unix(1000, 0)
	timeout := NewTimeout(30 * time.Second)
	timeout.now = func() time.Time { return clock }

	if timeout.State() != TimeoutInactive {
		t.Fatalf("expected Inactive, got %v", timeout.State())
	}

	// inactive timeouts never expire
	clock = clock.Add(time.Hour)
	if timeout.CheckExpired() {
		t.Fatal("inactive timeout expired")
	}

	timeout.Start()
	if timeout.State() != TimeoutActive {
		t.Fatalf("expected Active, got %v", timeout.State())
	}

	clock = clock.Add(29 * time.Second)
	if timeout.CheckExpired() {
		t.Fatal("timeout expired before its duration")
	}

	clock = clock.Add(time.Second)
	if !timeout.CheckExpired() {
		t.Fatal("timeout did not expire at its duration")
	}
	if timeout.State() != TimeoutExpired {
		t.Fatalf("expected Expired, got %v", timeout.State())
	}

	// expiry is sticky until restarted
	if !timeout.CheckExpired() {
		t.Fatal("expired state did not stick")
	}

	timeout.Start()
	if timeout.State() != TimeoutActive {
		t.Fatal("restart did not reactivate the timeout")
	}
	if timeout.CheckExpired() {
		t.Fatal("restarted timeout still expired")
	}
}

func TestTimeoutStop(t *testing.T) {
	clock := time.Unix(1000, 0)
	timeout := NewTimeout(time.Second)
	timeout.now = func() time.Time { return clock }

	timeout.Start()
	timeout.Stop()

	clock = clock.Add(time.Hour)
	if timeout.CheckExpired() {
		t.Fatal("stopped timeout expired")
	}
}
