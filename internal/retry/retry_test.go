package retry

import (
	"testing"
	"time"
)

func TestDelayZeroAttemptsIsImmediate(t *testing.T) {
	// n=0 (no failure has occurred yet) isn't a call site any real caller
	// uses, but Delay must still not produce a negative or undefined result.
	s := Schedule{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}
	if d := s.Delay(0); d != 0 {
		t.Errorf("Delay(0) = %v, want 0", d)
	}
}

func TestDelayFirstRetryIsOneRetryInterval(t *testing.T) {
	// n=1 is the post-increment num_attempts after the first transient
	// failure; the delay before that retry must be ~retry_interval, per
	// spec.md §4.8/§8 S2 and testable property #5
	// (0.8*retry_interval*2^(n-1) <= due_at-now).
	s := Schedule{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}
	lo := time.Duration(float64(s.RetryInterval) * 0.79)
	hi := time.Duration(float64(s.RetryInterval) * 1.21)
	for i := 0; i < 20; i++ {
		d := s.Delay(1)
		if d < lo || d > hi {
			t.Errorf("Delay(1) = %v, want within [%v,%v]", d, lo, hi)
		}
	}
}

func TestDelayDoublesWithJitterBounds(t *testing.T) {
	s := Schedule{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}
	for n := 2; n <= 5; n++ {
		base := time.Duration(float64(s.RetryInterval) * float64(uint64(1)<<uint(n-1)))
		lo := time.Duration(float64(base) * 0.79)
		hi := time.Duration(float64(base) * 1.21)
		for i := 0; i < 20; i++ {
			d := s.Delay(n)
			if d < lo || d > hi {
				t.Errorf("Delay(%d) = %v, want within [%v,%v]", n, d, lo, hi)
			}
		}
	}
}

func TestDelayCappedAtMaxRetryInterval(t *testing.T) {
	s := Schedule{RetryInterval: time.Minute, MaxRetryInterval: 5 * time.Minute}
	for i := 0; i < 50; i++ {
		d := s.Delay(20)
		if d > 5*time.Minute {
			t.Errorf("Delay(20) = %v, exceeds max_retry_interval", d)
		}
	}
}

func TestNextDueAt(t *testing.T) {
	s := Schedule{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}
	now := time.Now()
	due := s.NextDueAt(now, 1)
	lo := now.Add(time.Duration(float64(s.RetryInterval) * 0.79))
	hi := now.Add(time.Duration(float64(s.RetryInterval) * 1.21))
	if due.Before(lo) || due.After(hi) {
		t.Errorf("NextDueAt(now, 1) = %v, want within [%v,%v]", due, lo, hi)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	if !IsExpired(now, now) {
		t.Error("now == expires_at should be expired")
	}
	if !IsExpired(now.Add(time.Second), now) {
		t.Error("now after expires_at should be expired")
	}
	if IsExpired(now, now.Add(time.Second)) {
		t.Error("now before expires_at should not be expired")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want Result
	}{
		{250, Ok},
		{221, Ok},
		{421, TransientFailure},
		{450, TransientFailure},
		{550, PermanentFailure},
		{553, PermanentFailure},
		{999, TransientFailure},
	}
	for _, c := range cases {
		if got := Classify(c.code); got != c.want {
			t.Errorf("Classify(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestResultString(t *testing.T) {
	if Ok.String() != "Ok" || PermanentFailure.String() != "PermanentFailure" {
		t.Error("unexpected Result.String() output")
	}
}
