// Package loconet is the root of a half-duplex, collision-aware driver for a LocoNet-
// compatible model-railroad control bus, plus the 8-turnout application and 8-channel
// servo PWM engine layered on top of it. Each concern lives in its own package
// (ringqueue, lfsr, frame, bus, servo, turnout) and is stand-alone and hardware-free;
// the hw/ tree adapts those packages to a real serial port and GPIO bank, and
// cmd/turnoutd wires everything together into a runnable daemon.
package loconet
