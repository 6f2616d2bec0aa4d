package servo

import (
	"sync"
	"testing"
	"time"
)

func Test_GradientMatchesSweepTimeBudget(t *testing.T) {
	// 1250 µs of total travel over 1500ms / 20ms = 75 frames -> ~16 µs/frame.
	if Gradient != 16 {
		t.Fatalf("Gradient = %d, want 16", Gradient)
	}
}

func Test_SweepNeverOvershootsTarget(t *testing.T) {
	cur := uint16(ServoMin)
	target := uint16(ServoMax)
	frames := 0
	for cur != target {
		cur = Sweep(cur, target)
		frames++
		if frames > 200 {
			t.Fatalf("sweep did not converge within 200 frames, stuck at %d", cur)
		}
		if cur > target {
			t.Fatalf("sweep overshot target: %d > %d", cur, target)
		}
	}
}

func Test_SweepConvergesDownward(t *testing.T) {
	cur := uint16(ServoMax)
	target := uint16(ServoMin)
	frames := 0
	for cur != target {
		cur = Sweep(cur, target)
		frames++
		if frames > 200 {
			t.Fatalf("sweep did not converge within 200 frames, stuck at %d", cur)
		}
		if cur < target {
			t.Fatalf("sweep undershot target: %d < %d", cur, target)
		}
	}
}

func Test_SweepIsNoopAtTarget(t *testing.T) {
	if got := Sweep(NeutralWidth, NeutralWidth); got != NeutralWidth {
		t.Fatalf("Sweep(x, x) = %d, want %d", got, NeutralWidth)
	}
}

func Test_ClampBoundsToSafetyRange(t *testing.T) {
	if got := clamp(10, 250, 2000); got != 250 {
		t.Fatalf("clamp(10) = %d, want 250", got)
	}
	if got := clamp(5000, 250, 2000); got != 2000 {
		t.Fatalf("clamp(5000) = %d, want 2000", got)
	}
	if got := clamp(900, 250, 2000); got != 900 {
		t.Fatalf("clamp(900) = %d, want 900", got)
	}
}

func Test_EngineDefaultClampDoesNotClipFunctionalRange(t *testing.T) {
	// The whole ServoMin..ServoMax domain, including NeutralWidth, must pass through
	// New's default clamp untouched: a tighter bound here would silently cap every
	// pulse before it ever reaches SERVO_MAX, as a prior clampMax=1125 regression did.
	e := New(&recordingPins{}, nil)
	for _, w := range []uint16{ServoMin, NeutralWidth, ServoMax} {
		if got := clamp(w, e.clampMin, e.clampMax); got != w {
			t.Fatalf("clamp(%d) = %d, want %d unchanged", w, got, w)
		}
	}
}

type recordingPins struct {
	events []string
}

func (r *recordingPins) Set(channel int, high bool) {
	state := "low"
	if high {
		state = "high"
	}
	r.events = append(r.events, state)
	_ = channel
}

type timedPins struct {
	mu   sync.Mutex
	low  chan time.Time
	high time.Time
}

func (t *timedPins) Set(channel int, high bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if high {
		t.high = time.Now()
		return
	}
	t.low <- time.Now()
}

func Test_TickDrivesFullWidthPulseAtEndStop(t *testing.T) {
	// A turnout resting at SERVO_MAX must still produce a SERVO_MAX-length pulse: the
	// safety clamp must not cap it down to some narrower "safe" width.
	pins := &timedPins{low: make(chan time.Time, 1)}
	e := New(pins, func(ch int) uint16 { return ServoMax })

	e.tick()
	pins.mu.Lock()
	high := pins.high
	pins.mu.Unlock()

	select {
	case low := <-pins.low:
		got := low.Sub(high)
		want := time.Duration(ServoMax) * time.Microsecond
		// Allow scheduling slack but the observed pulse must not be anywhere near the
		// old, wrongly-clamped 1125 µs ceiling.
		if got < want-200*time.Microsecond {
			t.Fatalf("pulse length = %s, want at least ~%s (clamp must not clip SERVO_MAX)", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("pin was never deasserted")
	}
}

func Test_TickCyclesThroughAllChannels(t *testing.T) {
	pins := &recordingPins{}
	calls := make([]int, 0, NumChannels)
	e := New(pins, func(ch int) uint16 {
		calls = append(calls, ch)
		return NeutralWidth
	})
	for i := 0; i < NumChannels; i++ {
		e.tick()
	}
	if len(calls) != NumChannels {
		t.Fatalf("update called %d times, want %d", len(calls), NumChannels)
	}
	for i, ch := range calls {
		if ch != i {
			t.Fatalf("call %d: channel = %d, want %d", i, ch, i)
		}
	}
}
