package engine

import (
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

type LockState int

const (
	Unlocked LockState = iota
	Locked
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "Unlocked"
	case Locked:
		return "Locked"
	default:
		return strconv.Itoa(int(s))
	}
}

// LockSnapshot is the read-only view published for the ScreenSaver service.
type LockSnapshot struct {
	State LockState
	Since time.Time
}

func (s LockSnapshot) Active() bool {
	return s.State == Locked
}

// ActiveSeconds is the time spent in Locked, 0 when unlocked.
func (s LockSnapshot) ActiveSeconds(now time.Time) uint32 {
	if s.State != Locked || s.Since.IsZero() {
		return 0
	}
	d := now.Sub(s.Since)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// lockMachine is edge-triggered: entering the current state is a no-op.
// While Locked it holds a zero-timeout probe whose Resumed reveals an
// unlock performed by someone else.
type lockMachine struct {
	state LockState
	since time.Time
	probe *notification
}

func (m *lockMachine) lock(now time.Time) bool {
	if m.state == Locked {
		return false
	}
	m.state = Locked
	m.since = now
	return true
}

func (m *lockMachine) unlock() bool {
	if m.state == Unlocked {
		return false
	}
	m.state = Unlocked
	m.since = time.Time{}
	m.probe.Close()
	m.probe = nil
	return true
}

func (m *lockMachine) ownsProbe(h Handle) bool {
	return m.probe != nil && m.probe.handle == h
}

func (m *lockMachine) snapshot() LockSnapshot {
	return LockSnapshot{State: m.state, Since: m.since}
}

// bootClock reads CLOCK_BOOTTIME. Unlike the runtime's monotonic clock it
// keeps counting while the machine is suspended, so a lock held across a
// sleep reports its full duration. The returned time carries no monotonic
// reading and is only meaningful relative to other bootClock values.
func bootClock() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		lg.Error("Error getting current CLOCK_BOOTTIME", "error", err)
		return time.Time{}
	}
	return time.Unix(ts.Unix())
}
