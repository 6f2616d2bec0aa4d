package thread

import (
	"runtime"
	"syscall"
	"unsafe"
)

// BusPriority is the SCHED_RR priority the bus engine's goroutine runs at. LocoNet bit
// time is 60 µs and BRG sync waits a single bit time (see bus.brgSyncTicks); ordinary goroutine scheduling jitter is large enough to blow
// through deadlines that tight, so the bus goroutine gets realtime scheduling rather
// than sharing the default policy with everything else in the process.
const BusPriority = 10

// Realtime locks the calling goroutine to its own kernel thread and elevates that
// thread to the given realtime scheduling policy (FIFO or RR) and priority.
//
// Callers with hard timer deadlines call this before entering their run loop; see
// BusPriority for the bus engine's own reasoning about how tight those deadlines are.
func Realtime(policy, priority int) error {
	// First pin goroutine to its own kernel thread.
	runtime.LockOSThread()
	// Get the ID of the thread.
	tid := syscall.Gettid()
	// Give this thread realtime priority.
	res, _, err := syscall.RawSyscall(syscall.SYS_SCHED_SETSCHEDULER, uintptr(tid),
		uintptr(policy), uintptr(unsafe.Pointer(&schedParam{priority})))
	if res == 0 {
		return nil
	}
	return err
}

const FIFO = 1 // fifo scheduling policy
const RR = 2   // round-robin scheduling policy

type schedParam struct {
	Priority int
}
