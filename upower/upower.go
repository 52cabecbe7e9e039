package upower

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
	"github.com/trbjo/idled/utilities"
)

var lg = logger.Slog.With("component", "upower")

const (
	destination     = "org.freedesktop.UPower"
	upowerPath      = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerInterface = "org.freedesktop.UPower"
	devicePath      = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	deviceInterface = "org.freedesktop.UPower.Device"
	propsInterface  = "org.freedesktop.DBus.Properties"
)

// Monitor reports the power source and the display device's charge.
type Monitor struct {
	conn      *dbus.Conn
	emit      func(engine.Event)
	sysfsRoot string
}

func New(conn *dbus.Conn, emit func(engine.Event)) *Monitor {
	return &Monitor{conn: conn, emit: emit, sysfsRoot: utilities.PowerSupplyPath}
}

func (m *Monitor) Run(ctx context.Context) error {
	if err := m.initialState(); err != nil {
		m.fallback()
		return err
	}

	var matches [][]dbus.MatchOption
	for _, path := range []dbus.ObjectPath{upowerPath, devicePath} {
		match := []dbus.MatchOption{
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(propsInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		}
		if err := m.conn.AddMatchSignal(match...); err != nil {
			return fmt.Errorf("match %s: %w", path, err)
		}
		matches = append(matches, match)
	}
	defer func() {
		for _, match := range matches {
			m.conn.RemoveMatchSignal(match...)
		}
	}()

	signals := make(chan *dbus.Signal, 16)
	m.conn.Signal(signals)
	defer m.conn.RemoveSignal(signals)
	lg.Info("Power listener active")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			if sig.Name != propsInterface+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			if sig.Path != upowerPath && sig.Path != devicePath {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			for _, ev := range translate(iface, changed) {
				m.emit(ev)
			}
		}
	}
}

func (m *Monitor) initialState() error {
	onBattery, err := m.conn.Object(destination, upowerPath).GetProperty(upowerInterface + ".OnBattery")
	if err != nil {
		return fmt.Errorf("read OnBattery: %w", err)
	}
	for _, ev := range translate(upowerInterface, map[string]dbus.Variant{"OnBattery": onBattery}) {
		m.emit(ev)
	}

	var props map[string]dbus.Variant
	err = m.conn.Object(destination, devicePath).Call(propsInterface+".GetAll", 0, deviceInterface).Store(&props)
	if err != nil {
		lg.Warn("Unable to read display device", "error", err)
		return nil
	}
	for _, ev := range translate(deviceInterface, props) {
		m.emit(ev)
	}
	return nil
}

// fallback derives the power source once from sysfs when UPower is gone.
func (m *Monitor) fallback() {
	onBattery, ok := utilities.OnBattery(m.sysfsRoot)
	if !ok {
		return
	}
	lg.Info("UPower unavailable, power source read from sysfs", "on_battery", onBattery)
	m.emit(engine.SourceChanged{OnBattery: onBattery})
}

func translate(iface string, props map[string]dbus.Variant) []engine.Event {
	var events []engine.Event
	switch iface {
	case upowerInterface:
		if v, ok := props["OnBattery"]; ok {
			if onBattery, ok := v.Value().(bool); ok {
				events = append(events, engine.SourceChanged{OnBattery: onBattery})
			}
		}
	case deviceInterface:
		if v, ok := props["Percentage"]; ok {
			if pct, ok := v.Value().(float64); ok {
				events = append(events, engine.PercentageChanged{Percentage: pct})
			}
		}
		if v, ok := props["BatteryLevel"]; ok {
			if raw, ok := v.Value().(uint32); ok {
				level, err := engine.BatteryLevelFromUint(raw)
				if err != nil {
					lg.Warn("Ignoring battery level", "error", err)
				} else {
					events = append(events, engine.BatteryLevelChanged{Level: level})
				}
			}
		}
		if v, ok := props["State"]; ok {
			if raw, ok := v.Value().(uint32); ok {
				state, err := engine.BatteryStateFromUint(raw)
				if err != nil {
					lg.Warn("Ignoring battery state", "error", err)
				} else {
					events = append(events, engine.BatteryStateChanged{State: state})
				}
			}
		}
	}
	return events
}
