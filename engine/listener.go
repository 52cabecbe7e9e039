package engine

import (
	"time"
)

// Handle identifies one armed idle-notification resource.
type Handle uint64

// Notifier is the idle-notification transport. Idled and Resumed events
// for a handle are delivered back through the reactor queue.
type Notifier interface {
	Arm(timeout time.Duration) (Handle, error)
	Disarm(h Handle)
}

// CommandRunner launches a shell command without waiting for it.
type CommandRunner interface {
	Execute(command string)
}

// notification owns one armed resource; Close always disarms it.
type notification struct {
	handle   Handle
	notifier Notifier
}

func arm(n Notifier, timeout time.Duration) (*notification, error) {
	h, err := n.Arm(timeout)
	if err != nil {
		return nil, err
	}
	return &notification{handle: h, notifier: n}, nil
}

func (n *notification) Close() {
	if n == nil {
		return
	}
	n.notifier.Disarm(n.handle)
}

type ListenerSpec struct {
	Timeout    time.Duration
	Conditions []Condition
	OnTimeout  string
	OnResume   string
}

// Listener is the runtime side of a ListenerSpec: at most one live
// notification, plus whether that notification has fired Idled.
type Listener struct {
	Spec         ListenerSpec
	notification *notification
	idled        bool
}

func NewListeners(specs []ListenerSpec) []*Listener {
	listeners := make([]*Listener, 0, len(specs))
	for _, spec := range specs {
		listeners = append(listeners, &Listener{Spec: spec})
	}
	return listeners
}

func (l *Listener) Armed() bool {
	return l.notification != nil
}

func (l *Listener) Idled() bool {
	return l.idled
}

func (l *Listener) owns(h Handle) bool {
	return l.notification != nil && l.notification.handle == h
}

func (l *Listener) disarm() {
	l.notification.Close()
	l.notification = nil
	l.idled = false
}

// sync applies the desired armed state and reports what it did.
func (l *Listener) sync(n Notifier, eligible bool) (armed, disarmed bool) {
	switch {
	case eligible && l.notification == nil:
		notif, err := arm(n, l.Spec.Timeout)
		if err != nil {
			lg.Error("Failed to arm idle notification", "timeout", l.Spec.Timeout, "error", err)
			return false, false
		}
		l.notification = notif
		l.idled = false
		lg.Info("Notification created", "timeout", l.Spec.Timeout, "command", l.Spec.OnTimeout)
		return true, false
	case !eligible && l.notification != nil:
		l.disarm()
		lg.Info("Notification destroyed", "timeout", l.Spec.Timeout, "command", l.Spec.OnTimeout)
		return false, true
	}
	return false, false
}

// Reconcile brings every listener to its desired state. Calling it again
// with unchanged inputs arms and disarms nothing.
func Reconcile(listeners []*Listener, n Notifier, power PowerStatus, inhibited bool, devices DeviceLookup) (armed, disarmed int) {
	for _, l := range listeners {
		eligible := !inhibited && Evaluate(power, devices, l.Spec.Conditions)
		a, d := l.sync(n, eligible)
		if a {
			armed++
		}
		if d {
			disarmed++
		}
	}
	return armed, disarmed
}
