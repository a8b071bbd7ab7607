package main

import (
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	for _, tc := range []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	} {
		if got := nextRun(tc.now, 0, 0); !got.Equal(tc.want) {
			t.Errorf("nextRun(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
	if got := nextRun(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), 6, 30); !got.Equal(time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)) {
		t.Errorf("same-day run = %s", got)
	}
}
