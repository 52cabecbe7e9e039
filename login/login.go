package login

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
)

var lg = logger.Slog.With("component", "login")

const (
	destination      = "org.freedesktop.login1"
	managerPath      = dbus.ObjectPath("/org/freedesktop/login1")
	managerInterface = "org.freedesktop.login1.Manager"
	sessionInterface = "org.freedesktop.login1.Session"
	propsInterface   = "org.freedesktop.DBus.Properties"
)

// Watcher follows logind: session Lock/Unlock, PrepareForSleep and, unless
// disabled, the idle entry of BlockInhibited.
type Watcher struct {
	conn       *dbus.Conn
	emit       func(engine.Event)
	watchBlock bool
}

func New(conn *dbus.Conn, emit func(engine.Event), watchBlock bool) *Watcher {
	return &Watcher{conn: conn, emit: emit, watchBlock: watchBlock}
}

func (w *Watcher) Run(ctx context.Context) error {
	session, err := w.session()
	if err != nil {
		return err
	}
	lg.Debug("Following logind session", "path", session)

	matches := []dbus.MatchOption{
		dbus.WithMatchObjectPath(session),
		dbus.WithMatchInterface(sessionInterface),
	}
	if err := w.conn.AddMatchSignal(matches...); err != nil {
		return fmt.Errorf("match session signals: %w", err)
	}
	defer w.conn.RemoveMatchSignal(matches...)

	sleep := []dbus.MatchOption{
		dbus.WithMatchObjectPath(managerPath),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	}
	if err := w.conn.AddMatchSignal(sleep...); err != nil {
		return fmt.Errorf("match PrepareForSleep: %w", err)
	}
	defer w.conn.RemoveMatchSignal(sleep...)

	if w.watchBlock {
		props := []dbus.MatchOption{
			dbus.WithMatchObjectPath(managerPath),
			dbus.WithMatchInterface(propsInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		}
		if err := w.conn.AddMatchSignal(props...); err != nil {
			return fmt.Errorf("match BlockInhibited: %w", err)
		}
		defer w.conn.RemoveMatchSignal(props...)
	}

	signals := make(chan *dbus.Signal, 16)
	w.conn.Signal(signals)
	defer w.conn.RemoveSignal(signals)

	w.initialState(session)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			for _, ev := range translate(sig, session, w.watchBlock) {
				w.emit(ev)
			}
		}
	}
}

// session resolves the caller's session, falling back to $XDG_SESSION_ID
// when the daemon runs outside it (a systemd user service).
func (w *Watcher) session() (dbus.ObjectPath, error) {
	manager := w.conn.Object(destination, managerPath)
	var path dbus.ObjectPath
	err := manager.Call(managerInterface+".GetSession", 0, "auto").Store(&path)
	if err == nil {
		return path, nil
	}
	id := os.Getenv("XDG_SESSION_ID")
	if id == "" {
		return "", fmt.Errorf("resolve logind session: %w", err)
	}
	if err := manager.Call(managerInterface+".GetSession", 0, id).Store(&path); err != nil {
		return "", fmt.Errorf("resolve logind session %s: %w", id, err)
	}
	return path, nil
}

func (w *Watcher) initialState(session dbus.ObjectPath) {
	if v, err := w.conn.Object(destination, session).GetProperty(sessionInterface + ".LockedHint"); err != nil {
		lg.Debug("Unable to read LockedHint", "error", err)
	} else if locked, ok := v.Value().(bool); ok && locked {
		w.emit(engine.LockedAtStartup{})
	}

	if !w.watchBlock {
		return
	}
	v, err := w.conn.Object(destination, managerPath).GetProperty(managerInterface + ".BlockInhibited")
	if err != nil {
		lg.Warn("Unable to read BlockInhibited", "error", err)
		return
	}
	if s, ok := v.Value().(string); ok {
		w.emit(engine.InhibitionBlockChanged{Active: blocksIdle(s)})
	}
}

func translate(sig *dbus.Signal, session dbus.ObjectPath, watchBlock bool) []engine.Event {
	switch {
	case sig.Path == session && sig.Name == sessionInterface+".Lock":
		return []engine.Event{engine.SessionLocked{Locked: true}}
	case sig.Path == session && sig.Name == sessionInterface+".Unlock":
		return []engine.Event{engine.SessionLocked{Locked: false}}
	case sig.Path == managerPath && sig.Name == managerInterface+".PrepareForSleep":
		if len(sig.Body) == 0 {
			return nil
		}
		if sleeping, ok := sig.Body[0].(bool); ok {
			return []engine.Event{engine.PrepareForSleep{Sleeping: sleeping}}
		}
	case watchBlock && sig.Path == managerPath && sig.Name == propsInterface+".PropertiesChanged":
		if len(sig.Body) < 2 {
			return nil
		}
		if iface, _ := sig.Body[0].(string); iface != managerInterface {
			return nil
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return nil
		}
		if v, ok := changed["BlockInhibited"]; ok {
			if s, ok := v.Value().(string); ok {
				return []engine.Event{engine.InhibitionBlockChanged{Active: blocksIdle(s)}}
			}
		}
	}
	return nil
}

// blocksIdle reports whether a colon separated inhibitor list such as
// "handle-lid-switch:idle:sleep" names idle.
func blocksIdle(what string) bool {
	for _, w := range strings.Split(what, ":") {
		if w == "idle" {
			return true
		}
	}
	return false
}
