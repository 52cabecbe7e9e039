package screensaver

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/trbjo/idled/logger"
	"github.com/trbjo/idled/utilities"
)

var lg = logger.Slog.With("component", "screensaver")

const (
	Name       = "org.freedesktop.ScreenSaver"
	Path       = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
	LegacyPath = dbus.ObjectPath("/ScreenSaver") // Firefox and Chromium look here

	callTimeout = 5 * time.Second
)

var (
	//go:embed org.freedesktop.ScreenSaver.xml
	screensaverInterface string
	introspection        = "<node>" + screensaverInterface + introspect.IntrospectDataString + "</node>"

	errNotSupported = dbus.NewError("org.freedesktop.DBus.Error.NotSupported", []any{"GetSessionIdleTime is not supported"})
)

// Backend is what the service forwards to; the reactor implements it.
type Backend interface {
	Inhibit(ctx context.Context, appName, reason, owner string) (uint32, error)
	UnInhibit(ctx context.Context, cookie uint32) error
	OwnerDisconnected(ctx context.Context, owner string) error
	RequestLock(ctx context.Context) error
	SimulateActivity(ctx context.Context) error
	GetActive() bool
	GetActiveSeconds() uint32
}

// object carries the exported D-Bus methods and nothing else.
type object struct {
	backend Backend
}

func (o *object) Lock() *dbus.Error {
	lg.Info("Lock requested over D-Bus")
	return o.call(o.backend.RequestLock)
}

func (o *object) SimulateUserActivity() *dbus.Error {
	lg.Debug("SimulateUserActivity")
	return o.call(o.backend.SimulateActivity)
}

func (o *object) GetActive() (bool, *dbus.Error) {
	return o.backend.GetActive(), nil
}

func (o *object) GetActiveTime() (uint32, *dbus.Error) {
	return o.backend.GetActiveSeconds(), nil
}

func (o *object) GetSessionIdleTime() (uint32, *dbus.Error) {
	return 0, errNotSupported
}

// SetActive(true) locks; deactivating is left to the locker.
func (o *object) SetActive(active bool) (bool, *dbus.Error) {
	if !active {
		return false, nil
	}
	if err := o.call(o.backend.RequestLock); err != nil {
		return false, err
	}
	return true, nil
}

func (o *object) Inhibit(from dbus.Sender, appName, reason string) (uint32, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	cookie, err := o.backend.Inhibit(ctx, appName, reason, string(from))
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}
	return cookie, nil
}

func (o *object) UnInhibit(cookie uint32) *dbus.Error {
	return o.call(func(ctx context.Context) error {
		return o.backend.UnInhibit(ctx, cookie)
	})
}

func (o *object) Throttle(appName, reason string) (uint32, *dbus.Error) {
	lg.Debug("Throttle is a no-op", "application", appName, "reason", reason)
	return 0, nil
}

func (o *object) UnThrottle(cookie uint32) *dbus.Error {
	return nil
}

func (o *object) call(fn func(context.Context) error) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Service owns org.freedesktop.ScreenSaver on the session bus.
type Service struct {
	conn    *dbus.Conn
	obj     *object
	changes chan bool
	notify  func(bool)
}

func New(conn *dbus.Conn, backend Backend) *Service {
	changes := make(chan bool, 1)
	return &Service{
		conn:    conn,
		obj:     &object{backend: backend},
		changes: changes,
		notify:  utilities.CreateNonBlockingSender(changes),
	}
}

// ActiveChanged queues the ActiveChanged signal. It never blocks; when
// transitions pile up only the latest state is signalled.
func (s *Service) ActiveChanged(active bool) {
	s.notify(active)
}

func (s *Service) Run(ctx context.Context) error {
	for _, p := range []dbus.ObjectPath{Path, LegacyPath} {
		if err := s.conn.Export(s.obj, p, Name); err != nil {
			return fmt.Errorf("export %s on %s: %w", Name, p, err)
		}
		if err := s.conn.Export(introspect.Introspectable(introspection), p, "org.freedesktop.DBus.Introspectable"); err != nil {
			return fmt.Errorf("export introspection on %s: %w", p, err)
		}
	}
	defer func() {
		for _, p := range []dbus.ObjectPath{Path, LegacyPath} {
			s.conn.Export(nil, p, Name)
			s.conn.Export(nil, p, "org.freedesktop.DBus.Introspectable")
		}
	}()

	reply, err := s.conn.RequestName(Name, dbus.NameFlagReplaceExisting|dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request %s: %w", Name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("%s is owned by another process", Name)
	}
	defer s.conn.ReleaseName(Name)

	match := []dbus.MatchOption{
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	}
	if err := s.conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("match NameOwnerChanged: %w", err)
	}
	defer s.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 32)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	lg.Info("Serving screensaver interface", "name", Name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case active := <-s.changes:
			s.emitActiveChanged(active)
		case sig, ok := <-signals:
			if !ok {
				return errors.New("session bus connection closed")
			}
			owner, gone := vanishedClient(sig)
			if !gone {
				continue
			}
			if err := s.obj.backend.OwnerDisconnected(ctx, owner); err != nil && ctx.Err() == nil {
				lg.Error("Failed to drop inhibitors of vanished client", "owner", owner, "error", err)
			}
		}
	}
}

func (s *Service) emitActiveChanged(active bool) {
	for _, p := range []dbus.ObjectPath{Path, LegacyPath} {
		if err := s.conn.Emit(p, Name+".ActiveChanged", active); err != nil {
			lg.Error("Failed to emit ActiveChanged", "path", p, "error", err)
		}
	}
}

// vanishedClient reports the unique name of a connection that left the
// bus, from a NameOwnerChanged(name, old, new) signal.
func vanishedClient(sig *dbus.Signal) (string, bool) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return "", false
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if newOwner != "" || !strings.HasPrefix(name, ":") {
		return "", false
	}
	return name, true
}
