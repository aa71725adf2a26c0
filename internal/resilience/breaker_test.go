package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d error = %v, want upstream error", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker admitted a call: %v", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, Cooldown: time.Hour})

	b.Do(func() error { return errUpstream })
	b.Do(func() error { return errUpstream })
	b.Do(func() error { return nil })
	b.Do(func() error { return errUpstream })
	b.Do(func() error { return errUpstream })

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.Do(func() error { return errUpstream })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.Do(func() error { return errUpstream })
	time.Sleep(20 * time.Millisecond)

	b.Do(func() error { return errUpstream })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}
