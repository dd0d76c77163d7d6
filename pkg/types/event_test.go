package types

import (
	"math"
	"testing"
	"time"
)

func TestUnixNanosRoundTrip(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2025, 1, 1, 12, 30, 0, 123456789, loc)

	got := FromUnixNanos(UnixNanos(ts))
	if !got.Equal(ts) {
		t.Errorf("round trip mismatch: got %v, want %v", got, ts)
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC location, got %v", got.Location())
	}
}

func TestUnixNanosSaturates(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want int64
	}{
		{"min", MinTime, math.MinInt64},
		{"max", MaxTime, math.MaxInt64},
		{"before min", time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), math.MinInt64},
		{"after max", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnixNanos(tt.at); got != tt.want {
				t.Errorf("UnixNanos(%s) = %d, want %d", tt.at, got, tt.want)
			}
		})
	}
}

func TestRepresentable(t *testing.T) {
	if !Representable(MinTime) || !Representable(MaxTime) {
		t.Error("bounds must be representable")
	}
	if Representable(MinTime.Add(-time.Nanosecond)) || Representable(MaxTime.Add(time.Nanosecond)) {
		t.Error("times beyond the bounds must not be representable")
	}
	if !FromUnixNanos(UnixNanos(MaxTime)).Equal(MaxTime) {
		t.Error("max time must round trip")
	}
}

func TestNewCandidate(t *testing.T) {
	ts := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	c, err := NewCandidate("session.decision", ts, "s1", "layer/sessions/s1.md", map[string]string{"content": "use Result type"})
	if err != nil {
		t.Fatalf("NewCandidate failed: %v", err)
	}
	if c.EventType != "session.decision" || c.SourceID != "s1" {
		t.Errorf("unexpected candidate: %+v", c)
	}
	if string(c.Payload) != `{"content":"use Result type"}` {
		t.Errorf("unexpected payload: %s", c.Payload)
	}
}
