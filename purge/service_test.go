package purge

import (
	"testing"
	"time"
)

func TestIsDue_EveryMinuteScheduleIsAlwaysDue(t *testing.T) {
	due, err := isDue("* * * * *", time.Now())
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if !due {
		t.Fatalf("expected a */1 schedule to always be due within a 5 minute window")
	}
}

func TestIsDue_InvalidScheduleReturnsError(t *testing.T) {
	if _, err := isDue("not a cron expression", time.Now()); err == nil {
		t.Fatalf("expected an error for an invalid cron expression")
	}
}

func TestIsDue_FutureOnlyScheduleIsNotDue(t *testing.T) {
	// A schedule that only fires on Feb 30th never exists; use a fixed
	// minute far outside the lookback window instead, anchored to a
	// concrete reference time so the test does not depend on wall clock.
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	due, err := isDue("0 0 1 1 *", ref.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if due {
		t.Fatalf("expected a yearly schedule checked 2 hours early to not be due")
	}
}
