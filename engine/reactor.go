package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trbjo/idled/logger"
)

var lg = logger.Slog.With("component", "engine")

var ErrStopped = errors.New("reactor stopped")

const queueSize = 64

type Options struct {
	Notifier Notifier
	Runner   CommandRunner
	Devices  DeviceLookup
	Now      func() time.Time
	// OnLockChange runs on the reactor goroutine after every lock
	// transition and must not block.
	OnLockChange func(LockSnapshot)
}

// Reactor is the single consumer of the event queue and the only writer
// of power, inhibitor, listener and lock state.
type Reactor struct {
	events       chan Event
	done         chan struct{}
	notifier     Notifier
	runner       CommandRunner
	devices      DeviceLookup
	now          func() time.Time
	onLockChange func(LockSnapshot)

	settings   Settings
	listeners  []*Listener
	power      PowerStatus
	inhibitors *InhibitorRegistry
	lock       lockMachine
	sleeping   bool
	published  *SafeState[LockSnapshot]
}

func NewReactor(cfg Config, opts Options) *Reactor {
	now := opts.Now
	if now == nil {
		now = bootClock
	}
	return &Reactor{
		events:       make(chan Event, queueSize),
		done:         make(chan struct{}),
		notifier:     opts.Notifier,
		runner:       opts.Runner,
		devices:      opts.Devices,
		now:          now,
		onLockChange: opts.OnLockChange,
		settings:     cfg.Settings,
		listeners:    NewListeners(cfg.Listeners),
		inhibitors:   NewInhibitorRegistry(cfg.Settings.Ignore),
		published:    NewSafeState(LockSnapshot{State: Unlocked}),
	}
}

// Send queues ev. Events from one producer keep their order.
func (r *Reactor) Send(ctx context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit is Send for producers that have no context of their own, such as
// transport callbacks.
func (r *Reactor) Emit(ev Event) {
	if err := r.Send(context.Background(), ev); err != nil {
		lg.Debug("Dropping event", "event", fmt.Sprintf("%T", ev), "error", err)
	}
}

// Run processes events one at a time until ctx is done. Every live
// notification is disarmed on return.
func (r *Reactor) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.shutdown()

	r.reconcile()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			r.Handle(ev)
		}
	}
}

func (r *Reactor) shutdown() {
	for _, l := range r.listeners {
		if l.Armed() {
			l.disarm()
		}
	}
	r.lock.probe.Close()
	r.lock.probe = nil
	lg.Debug("Released all idle notifications")
}

// Handle applies one event to completion. It is exported for the reactor
// goroutine and tests only; producers use Send.
func (r *Reactor) Handle(ev Event) {
	switch ev := ev.(type) {
	case SourceChanged:
		r.power.UpdateSource(ev.OnBattery)
		lg.Debug("Power source changed", "source", r.power.Source)
	case PercentageChanged:
		r.power.UpdatePercentage(ev.Percentage)
		lg.Debug("Battery percentage changed", "percentage", r.power.Percentage)
	case BatteryLevelChanged:
		r.power.UpdateLevel(ev.Level)
		lg.Debug("Battery level changed", "level", ev.Level)
	case BatteryStateChanged:
		r.power.UpdateState(ev.State)
		lg.Debug("Battery state changed", "state", ev.State)
	case DeviceSetChanged:
		lg.Debug("USB device set changed")
	case InhibitionBlockChanged:
		r.setFlag(SourceSession, ev.Active)
	case PlaybackActive:
		r.setFlag(SourceAudio, ev.Active)
	case SessionLocked:
		if ev.Locked {
			r.enterLocked(true)
		} else {
			r.leaveLocked(true)
		}
	case LockedAtStartup:
		lg.Info("Session is already locked")
		r.enterLocked(false)
	case PrepareForSleep:
		r.prepareForSleep(ev.Sleeping)
		return
	case Idled:
		r.handleIdled(ev.Handle)
		return
	case Resumed:
		r.handleResumed(ev.Handle)
		return
	case ConfigReloaded:
		r.reload(ev.Config)
	case inhibitRequest:
		cookie, err := r.inhibit(ev.appName, ev.reason, ev.owner)
		r.reconcile()
		ev.reply <- inhibitReply{cookie: cookie, err: err}
		return
	case unInhibitRequest:
		r.unInhibit(ev.cookie)
		r.reconcile()
		close(ev.done)
		return
	case ownerDisconnected:
		r.ownerDisconnected(ev.owner)
		r.reconcile()
		close(ev.done)
		return
	case lockRequest:
		lg.Info("Lock requested")
		r.enterLocked(true)
		r.reconcile()
		close(ev.done)
		return
	case activityRequest:
		r.simulateActivity()
		r.reconcile()
		close(ev.done)
		return
	case statusRequest:
		ev.reply <- r.status()
		return
	default:
		lg.Warn("Ignoring unknown event", "event", fmt.Sprintf("%T", ev))
		return
	}
	r.reconcile()
}

func (r *Reactor) reconcile() {
	armed, disarmed := Reconcile(r.listeners, r.notifier, r.power, r.inhibitors.Inhibited(), r.devices)
	if armed > 0 || disarmed > 0 {
		lg.Debug("Reconciled listeners", "armed", armed, "disarmed", disarmed)
	}
}

func (r *Reactor) execute(kind, command string) {
	if command == "" || r.runner == nil {
		return
	}
	lg.Info("Executing command", "kind", kind, "command", command)
	r.runner.Execute(command)
}

func (r *Reactor) setFlag(source InhibitorSource, active bool) {
	if r.inhibitors.SetFlag(source, active) {
		lg.Info("Inhibition changed", "source", source, "active", active, "inhibited", r.inhibitors.Inhibited())
	}
}

func (r *Reactor) inhibit(appName, reason, owner string) (uint32, error) {
	cookie, rising, err := r.inhibitors.Inhibit(appName, reason, owner)
	if err != nil {
		lg.Error("Refusing screensaver inhibitor", "application", appName, "error", err)
		return 0, err
	}
	lg.Info("Added screensaver inhibitor", "application", appName, "owner", owner, "reason", reason, "cookie", cookie)
	if rising {
		lg.Info("Application inhibition active")
	}
	return cookie, nil
}

func (r *Reactor) unInhibit(cookie uint32) {
	removed, ok, falling := r.inhibitors.UnInhibit(cookie)
	if !ok {
		lg.Debug("UnInhibit for unknown cookie", "cookie", cookie)
		return
	}
	lg.Info("Removed screensaver inhibitor", "application", removed.AppName, "owner", removed.Owner, "cookie", cookie)
	if falling {
		lg.Info("Application inhibition released")
	}
}

func (r *Reactor) ownerDisconnected(owner string) {
	removed, falling := r.inhibitors.OwnerDisconnected(owner)
	for _, e := range removed {
		lg.Info("Dropped inhibitor of vanished client", "application", e.AppName, "owner", owner, "cookie", e.Cookie)
	}
	if falling {
		lg.Info("Application inhibition released")
	}
}

func (r *Reactor) handleIdled(h Handle) {
	if r.lock.ownsProbe(h) {
		return
	}
	l := r.listenerFor(h)
	if l == nil {
		lg.Debug("Idled for stale notification", "handle", h)
		return
	}
	if l.idled {
		return
	}
	l.idled = true
	r.execute("timeout", l.Spec.OnTimeout)
}

func (r *Reactor) handleResumed(h Handle) {
	if r.lock.ownsProbe(h) {
		if r.lock.state == Locked {
			lg.Info("Activity while locked, session was unlocked externally")
			r.leaveLocked(false)
		}
		return
	}
	l := r.listenerFor(h)
	if l == nil {
		lg.Debug("Resumed for stale notification", "handle", h)
		return
	}
	if !l.idled {
		return
	}
	l.idled = false
	r.execute("resume", l.Spec.OnResume)
}

func (r *Reactor) listenerFor(h Handle) *Listener {
	for _, l := range r.listeners {
		if l.owns(h) {
			return l
		}
	}
	return nil
}

// enterLocked locks. runCmd is false when a locker is already running.
func (r *Reactor) enterLocked(runCmd bool) {
	if !r.lock.lock(r.now()) {
		lg.Debug("Already locked")
		return
	}
	if runCmd {
		r.execute("lock", r.settings.LockCmd)
	}
	if r.lock.probe == nil {
		probe, err := arm(r.notifier, 0)
		if err != nil {
			lg.Error("Failed to arm lock probe", "error", err)
		} else {
			r.lock.probe = probe
		}
	}
	r.publishLock()
}

// leaveLocked unlocks. runCmd is false when the unlock was detected rather
// than signalled, since whoever unlocked already did their part.
func (r *Reactor) leaveLocked(runCmd bool) {
	if !r.lock.unlock() {
		lg.Debug("Already unlocked")
		return
	}
	if runCmd {
		r.execute("unlock", r.settings.UnlockCmd)
	}
	r.publishLock()
}

func (r *Reactor) publishLock() {
	snap := r.lock.snapshot()
	lg.Info("Lock state changed", "state", snap.State)
	if r.published.Set(snap) && r.onLockChange != nil {
		r.onLockChange(snap)
	}
}

func (r *Reactor) prepareForSleep(sleeping bool) {
	if r.sleeping == sleeping {
		return
	}
	r.sleeping = sleeping
	if sleeping {
		r.execute("before_sleep", r.settings.BeforeSleepCmd)
	} else {
		r.execute("after_sleep", r.settings.AfterSleepCmd)
	}
}

// simulateActivity restarts every armed countdown. A listener that already
// went idle gets its resume command, since the new notification will never
// deliver that Resumed.
func (r *Reactor) simulateActivity() {
	lg.Info("Simulating user activity")
	for _, l := range r.listeners {
		if !l.Armed() {
			continue
		}
		if l.idled {
			r.execute("resume", l.Spec.OnResume)
		}
		l.disarm()
	}
}

func (r *Reactor) reload(cfg Config) {
	for _, l := range r.listeners {
		if l.Armed() {
			l.disarm()
		}
	}
	r.listeners = NewListeners(cfg.Listeners)
	r.settings = cfg.Settings
	if r.inhibitors.SetIgnore(cfg.Settings.Ignore) {
		lg.Info("Inhibition changed by reload", "inhibited", r.inhibitors.Inhibited())
	}
	lg.Info("Configuration reloaded", "listeners", len(r.listeners))
}

func (r *Reactor) status() Status {
	snap := r.lock.snapshot()
	st := Status{
		Lock: LockStatus{
			State:         snap.State.String(),
			ActiveSeconds: snap.ActiveSeconds(r.now()),
			Sleeping:      r.sleeping,
		},
		Inhibited: r.inhibitors.Inhibited(),
		Inhibitors: InhibitorStatus{
			Dbus:    r.inhibitors.Active(SourceApplication),
			Systemd: r.inhibitors.Active(SourceSession),
			Audio:   r.inhibitors.Active(SourceAudio),
		},
		Power: PowerReport{
			Source:     r.power.Source.String(),
			Percentage: r.power.Percentage,
			Level:      r.power.Level.String(),
			State:      r.power.State.String(),
		},
	}
	for _, e := range r.inhibitors.Entries() {
		st.Inhibitors.Applications = append(st.Inhibitors.Applications, ApplicationStatus(e))
	}
	for _, l := range r.listeners {
		ls := ListenerStatus{
			Timeout:   l.Spec.Timeout.String(),
			Armed:     l.Armed(),
			Idled:     l.Idled(),
			OnTimeout: l.Spec.OnTimeout,
			OnResume:  l.Spec.OnResume,
		}
		for _, c := range l.Spec.Conditions {
			ls.Conditions = append(ls.Conditions, c.String())
		}
		st.Listeners = append(st.Listeners, ls)
	}
	return st
}
