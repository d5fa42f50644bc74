package execution

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, c := range cases {
		if got := retryDelay(base, max, c.attempt); got != c.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
	if got := retryDelay(0, max, 3); got != 0 {
		t.Fatalf("zero base should disable backoff, got %v", got)
	}
}

func TestNewClientOrderID(t *testing.T) {
	a, b := NewClientOrderID(), NewClientOrderID()
	if len(a) != 34 || a[:2] != "0x" {
		t.Fatalf("unexpected cloid format %q", a)
	}
	if a == b {
		t.Fatalf("cloids must be unique")
	}
}

func TestInFlightDeduper(t *testing.T) {
	d := NewInFlightDeduper(time.Minute, 4)
	if err := d.TryAcquire("cancel:a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := d.TryAcquire("cancel:a"); err != ErrDuplicateInFlight {
		t.Fatalf("second acquire = %v, want ErrDuplicateInFlight", err)
	}
	if d.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", d.InFlight())
	}
	d.Release("cancel:a")
	if err := d.TryAcquire("cancel:a"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	now := time.Now()
	d.now = func() time.Time { return now.Add(2 * time.Minute) }
	if err := d.TryAcquire("cancel:a"); err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
}
