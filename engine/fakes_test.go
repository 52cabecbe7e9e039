package engine

import (
	"errors"
	"time"
)

type fakeNotifier struct {
	next     Handle
	live     map[Handle]time.Duration
	armed    []time.Duration
	disarmed []Handle
	fail     bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{live: make(map[Handle]time.Duration)}
}

func (f *fakeNotifier) Arm(timeout time.Duration) (Handle, error) {
	if f.fail {
		return 0, errors.New("compositor gone")
	}
	f.next++
	f.live[f.next] = timeout
	f.armed = append(f.armed, timeout)
	return f.next, nil
}

func (f *fakeNotifier) Disarm(h Handle) {
	delete(f.live, h)
	f.disarmed = append(f.disarmed, h)
}

func (f *fakeNotifier) calls() int {
	return len(f.armed) + len(f.disarmed)
}

// handleWith returns the live handle armed with timeout, or 0.
func (f *fakeNotifier) handleWith(timeout time.Duration) Handle {
	for h, t := range f.live {
		if t == timeout {
			return h
		}
	}
	return 0
}

type fakeRunner struct {
	commands []string
}

func (f *fakeRunner) Execute(command string) {
	f.commands = append(f.commands, command)
}

type fakeDevices map[UsbID]bool

func (f fakeDevices) Present(id UsbID) bool {
	return f[id]
}

type fixture struct {
	notifier *fakeNotifier
	runner   *fakeRunner
	devices  fakeDevices
	now      time.Time
	locks    []LockSnapshot
	reactor  *Reactor
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		notifier: newFakeNotifier(),
		runner:   &fakeRunner{},
		devices:  fakeDevices{},
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reactor = NewReactor(cfg, Options{
		Notifier:     f.notifier,
		Runner:       f.runner,
		Devices:      f.devices,
		Now:          func() time.Time { return f.now },
		OnLockChange: func(s LockSnapshot) { f.locks = append(f.locks, s) },
	})
	return f
}

func (f *fixture) send(events ...Event) {
	for _, ev := range events {
		f.reactor.Handle(ev)
	}
}

func (f *fixture) armedCount() int {
	n := 0
	for _, l := range f.reactor.listeners {
		if l.Armed() {
			n++
		}
	}
	return n
}
