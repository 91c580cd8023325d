package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitDuration(t *testing.T) {
	tests := []struct {
		retry int
		min   time.Duration
		max   time.Duration
	}{
		{-1, 250 * time.Millisecond, 750 * time.Millisecond},
		{0, 250 * time.Millisecond, 750 * time.Millisecond},
		{1, 375 * time.Millisecond, 1125 * time.Millisecond},
		{12, 32 * time.Second, 98 * time.Second},
		{100, 32 * time.Second, 98 * time.Second},
	}

	for _, tt := range tests {
		for range 100 {
			got := WaitDuration(tt.retry)
			if got < tt.min || got > tt.max {
				t.Fatalf("got %s for retry %d, want between %s and %s", got, tt.retry, tt.min, tt.max)
			}
		}
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v error, want %v", err, context.Canceled)
	}
}
