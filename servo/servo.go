// Package servo implements the 8-channel, software-multiplexed servo PWM engine: one
// hardware-style compare channel shared across 8 slots of 2500 µs each (a 20 ms frame),
// with sweep-rate-limited position tracking per channel.
//
// The original firmware drove this from a single 16-bit compare interrupt: on each
// match it advanced to the next slot, reprogrammed the compare register for that slot's
// pulse width, and on the last slot restarted the cycle. Go has no compare-match
// interrupt, so this is translated into a cooperative virtual timeline exactly as
// spec.md's own redesign note suggests: a time.Ticker paces the 2500 µs slot boundary,
// and a time.AfterFunc scheduled at the slot's pulse width stands in for the
// compare-match that would end the pulse early within the slot.
package servo

import (
	"sync"
	"time"
)

// Pulse-width domain, in microseconds, per the turnout sweep invariants. These are the
// authoritative functional bounds; see Engine's clampMin/clampMax for the separate
// low-level safety clamp applied to each UpdateFunc result.
const (
	ServoMin     = 750  // µs, one travel extreme
	ServoMax     = 2000 // µs, the other travel extreme
	NeutralWidth = (ServoMin + ServoMax) / 2
)

// SlotPeriod is the duration of one channel's slot within the 20 ms frame.
const SlotPeriod = 2500 * time.Microsecond

// NumChannels is the number of software-multiplexed servo outputs sharing the one
// compare channel.
const NumChannels = 8

// sweepTime is the time a channel takes to sweep the full ServoMin..ServoMax span.
const sweepTime = 1500 * time.Millisecond

// framePeriod is the time for one complete 8-channel cycle; each channel's target is
// only re-evaluated once per framePeriod, so Gradient must be sized against the frame,
// not the per-channel slot.
const framePeriod = SlotPeriod * NumChannels

// Gradient is the maximum change in pulse width, in microseconds, applied to a channel
// per 20 ms frame, derived from sweepTime sweeping the full ServoMin..ServoMax span:
// (ServoMax-ServoMin) * framePeriod / sweepTime.
const Gradient = (ServoMax - ServoMin) * int(framePeriod) / int(sweepTime)

// PinSetter asserts or clears one channel's output pin. The engine calls Set(ch, true)
// at the start of the channel's slot and Set(ch, false) when its pulse width elapses.
type PinSetter interface {
	Set(channel int, high bool)
}

// UpdateFunc is called once per channel per frame, immediately before that channel's
// slot begins, to obtain the pulse width (in microseconds) to drive this frame. Callers
// typically close over a turnout application's per-channel target and sweep logic.
type UpdateFunc func(channel int) uint16

// Engine multiplexes NumChannels servo outputs over a single virtual compare channel.
type Engine struct {
	pins   PinSetter
	update UpdateFunc

	mu      sync.Mutex
	ticker  *time.Ticker
	current int

	// clampMin/clampMax are the low-level compare-programming safety bounds, expressed
	// here in microseconds since the engine's public surface is already in microseconds
	// throughout. They exist to stop a bogus UpdateFunc result from producing a pulse
	// that runs past the end of its 2500 µs slot (5000 ticks); they must not be tighter
	// than the functional ServoMin..ServoMax domain or they will silently clip a
	// legitimate end-stop width, as clampMax=1125 once did here.
	clampMin uint16
	clampMax uint16
}

// New returns an Engine driving pins, calling update once per channel per 20 ms frame to
// learn that frame's pulse width.
func New(pins PinSetter, update UpdateFunc) *Engine {
	return &Engine{
		pins:     pins,
		update:   update,
		clampMin: ServoMin,
		clampMax: ServoMax, // 4000 ticks, comfortably under the 5000-tick/2500 µs slot
	}
}

// Run drives the frame cycle until stop is closed. It blocks; callers typically run it
// in its own goroutine.
func (e *Engine) Run(stop <-chan struct{}) {
	e.mu.Lock()
	e.ticker = time.NewTicker(SlotPeriod)
	ticker := e.ticker
	e.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick advances to the next channel's slot: it reads this frame's target width for the
// new channel, clamps it to the low-level safety bound, asserts the pin, and schedules
// the compare-match equivalent that will deassert it partway through the slot. It does
// not deassert the previous channel's pin itself; that pin's own deassertion was
// scheduled inside the previous slot, since the clamp keeps every width below SlotPeriod.
func (e *Engine) tick() {
	e.mu.Lock()
	ch := e.current
	e.current = (e.current + 1) % NumChannels
	e.mu.Unlock()

	width := e.update(ch)
	width = clamp(width, e.clampMin, e.clampMax)

	e.pins.Set(ch, true)
	time.AfterFunc(time.Duration(width)*time.Microsecond, func() {
		e.pins.Set(ch, false)
	})
}

func clamp(v, lo, hi uint16) uint16 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sweep advances current one frame's worth toward target, limited to Gradient µs of
// change, and returns the new current value. It is the per-channel position tracker
// that UpdateFunc implementations call each frame; it never overshoots target.
func Sweep(current, target uint16) uint16 {
	if current == target {
		return current
	}
	if current < target {
		next := current + uint16(Gradient)
		if next > target {
			return target
		}
		return next
	}
	next := current - uint16(Gradient)
	if next < target {
		return target
	}
	return next
}
