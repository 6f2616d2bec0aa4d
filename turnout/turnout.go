// Package turnout implements the eight-turnout application layer: decoding switch
// -request and global power messages off the bus, driving each turnout's commanded and
// memory bits, and composing switch-report feedback messages from servo end-stop
// transitions.
package turnout

import (
	"sync"

	"github.com/EbpController/LocoNet-Driver/servo"
)

// NumTurnouts is the number of independently addressable turnouts, one per servo slot.
const NumTurnouts = servo.NumChannels

// Opcodes this layer understands on the wire.
const (
	OpGlobalOff     = 0x82
	OpGlobalOn      = 0x83
	OpSwitchRequest = 0xB0
	OpSwitchReport  = 0xB1
)

// Bus is the narrow slice of the bus engine this package depends on, satisfied
// structurally by *bus.Engine without either package importing the other.
type Bus interface {
	EnqueueMessage(payload []byte)
}

// Turnout is one of the eight switch machines. CAWL/CAWR are the live commanded
// direction; CAWL_mem/CAWR_mem remember the most recent non-off command so a global-on
// can restore it; KAWL/KAWR are the feedback bits latched from the servo end-stops.
type Turnout struct {
	CAWL, CAWR         bool
	CAWLMem, CAWRMem   bool
	KAWL, KAWR         bool
	width              uint16
}

// App owns all eight turnouts, the local bus address, and the bus used to emit
// feedback. The zero value is not usable; use New.
type App struct {
	mu       sync.Mutex
	address  byte // 7-bit DIP-switch address
	turnouts [NumTurnouts]Turnout
	bus      Bus
}

// New returns an App bound to address (the local DIP-switch address, 0..127) and
// emitting feedback reports on bus. Every turnout starts centered with no commanded
// direction.
func New(address byte, bus Bus) *App {
	a := &App{address: address & 0x7F, bus: bus}
	for i := range a.turnouts {
		a.turnouts[i].width = servo.NeutralWidth
	}
	return a
}

// HandleInbound implements bus.InboundHandler: it is called with each checksum-valid
// message the bus engine assembles off the wire.
func (a *App) HandleInbound(msg []byte) {
	if len(msg) == 0 {
		return
	}
	switch msg[0] {
	case OpGlobalOff:
		a.globalOff()
	case OpGlobalOn:
		a.globalOn()
	case OpSwitchRequest:
		if len(msg) < 3 {
			return
		}
		a.switchRequest(msg[1], msg[2])
	}
}

func (a *App) globalOff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.turnouts {
		a.setCAWLLocked(i, false)
		a.setCAWRLocked(i, false)
	}
}

func (a *App) globalOn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.turnouts {
		t := &a.turnouts[i]
		a.setCAWLLocked(i, t.CAWLMem)
		a.setCAWRLocked(i, t.CAWRMem)
	}
}

// switchRequest decodes a 0xB0 request's two data bytes and, if the address matches
// this unit, commands the named turnout. The decode is the textual inverse of the
// feedback encode in emitReport: low nibble of the address comes from byte1 bits 3-6,
// high nibble from byte2 bits 0-3.
func (a *App) switchRequest(b1, b2 byte) {
	index := int(b1 & 0x07)
	address := ((b1 & 0x78) >> 3) | ((b2 & 0x0F) << 4)
	if address != a.address {
		return
	}
	if index < 0 || index >= NumTurnouts {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b2&0x20 != 0 {
		a.setCAWLLocked(index, true)
		a.setCAWRLocked(index, false)
	} else {
		a.setCAWLLocked(index, false)
		a.setCAWRLocked(index, true)
	}
}

// setCAWLLocked sets turnout i's CAWL bit; setting it true sets CAWL_mem (clearing
// CAWR_mem) and forces CAWR false, so the two commands are never simultaneously true.
// Caller must hold mu.
func (a *App) setCAWLLocked(i int, state bool) {
	t := &a.turnouts[i]
	t.CAWL = state
	if state {
		t.CAWLMem = true
		t.CAWRMem = false
		t.CAWR = false
	}
}

// setCAWRLocked is setCAWLLocked's mirror for the right-hand command bit.
func (a *App) setCAWRLocked(i int, state bool) {
	t := &a.turnouts[i]
	t.CAWR = state
	if state {
		t.CAWRMem = true
		t.CAWLMem = false
		t.CAWL = false
	}
}

// UpdateServo is called once per 20 ms frame for turnout slot i by the servo engine; it
// returns the pulse width to drive this frame and updates feedback bits on reaching an
// end-stop.
func (a *App) UpdateServo(i int) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := &a.turnouts[i]
	switch {
	case t.CAWL:
		t.width = servo.Sweep(t.width, servo.ServoMax)
	case t.CAWR:
		t.width = servo.Sweep(t.width, servo.ServoMin)
	}

	kawl := t.width >= servo.ServoMax
	kawr := t.width <= servo.ServoMin
	if kawl != t.KAWL || kawr != t.KAWR {
		t.KAWL = kawl
		t.KAWR = kawr
		a.emitReport(i, t.KAWL, t.KAWR)
	}

	return t.width
}

// emitReport composes and enqueues a 0xB1 switch-report for turnout index i with
// feedback bits kawl/kawr, per the SN1/SN2 encoding in spec.
func (a *App) emitReport(i int, kawl, kawr bool) {
	if a.bus == nil {
		return
	}
	sn1 := ((a.address << 3) & 0x78) | byte(i)
	sn1 &= 0x7F
	sn2 := (a.address >> 4) & 0x0F
	if kawr {
		sn2 |= 0x10
	}
	if kawl {
		sn2 |= 0x20
	}
	a.bus.EnqueueMessage([]byte{OpSwitchReport, sn1, sn2})
}

// Snapshot returns a copy of turnout i's state, for telemetry and tests.
func (a *App) Snapshot(i int) Turnout {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turnouts[i]
}
