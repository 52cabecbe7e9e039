package main

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"gopkg.in/yaml.v3"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
)

const (
	dbusInterface = "io.github.trbjo.Idled"
	dbusPath      = "/io/github/trbjo/Idled"

	controlTimeout = 5 * time.Second
)

type controlBackend interface {
	RequestLock(ctx context.Context) error
	Status(ctx context.Context) (engine.Status, error)
}

// IdledDbus is the daemon's own control interface, used by the CLI
// subcommands.
type IdledDbus struct {
	backend controlBackend
	reload  func() error
}

func (o *IdledDbus) Reload() *dbus.Error {
	lg.Info("Reload requested over D-Bus")
	if err := o.reload(); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *IdledDbus) SetLogLevel(level string) *dbus.Error {
	if err := logger.SetLogLevel(level); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *IdledDbus) Lock() *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := o.backend.RequestLock(ctx); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *IdledDbus) Status() (string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	st, err := o.backend.Status(ctx)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	out, err := renderStatus(st)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return out, nil
}

func renderStatus(st engine.Status) (string, error) {
	out, err := yaml.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("render status: %w", err)
	}
	return string(out), nil
}

func setupDbus(conn *dbus.Conn, obj *IdledDbus) error {
	reply, err := conn.RequestName(dbusInterface, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", dbusInterface, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%s is already taken, is another idled running?", dbusInterface)
	}

	if err := conn.Export(obj, dbus.ObjectPath(dbusPath), dbusInterface); err != nil {
		return fmt.Errorf("export %s: %w", dbusInterface, err)
	}
	node := &introspect.Node{
		Name: dbusPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: dbusInterface, Methods: introspect.Methods(obj)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), dbus.ObjectPath(dbusPath), "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	lg.Debug("Listening on D-Bus", "interface", dbusInterface, "path", dbusPath)
	return nil
}

// callDaemon invokes a control method on the running daemon and returns
// the reply body.
func callDaemon(method string, args ...any) ([]any, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	defer conn.Close()

	call := conn.Object(dbusInterface, dbusPath).Call(dbusInterface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, call.Err)
	}
	return call.Body, nil
}
