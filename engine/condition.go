package engine

import (
	"fmt"
	"strings"
)

// Condition is one entry of a listener's condition list. The set of
// implementations is closed; see Evaluate.
type Condition interface {
	fmt.Stringer
	condition()
}

type (
	OnBattery    struct{}
	OnAC         struct{}
	BatteryBelow float64
	BatteryAbove float64
	BatteryEqual float64
	LevelIs      BatteryLevel
	StateIs      BatteryState
	UsbPlugged   UsbID
	UsbUnplugged UsbID
)

func (OnBattery) condition()    {}
func (OnAC) condition()         {}
func (BatteryBelow) condition() {}
func (BatteryAbove) condition() {}
func (BatteryEqual) condition() {}
func (LevelIs) condition()      {}
func (StateIs) condition()      {}
func (UsbPlugged) condition()   {}
func (UsbUnplugged) condition() {}

func (OnBattery) String() string      { return "on_battery" }
func (OnAC) String() string           { return "on_ac" }
func (c BatteryBelow) String() string { return fmt.Sprintf("battery_below(%g)", float64(c)) }
func (c BatteryAbove) String() string { return fmt.Sprintf("battery_above(%g)", float64(c)) }
func (c BatteryEqual) String() string { return fmt.Sprintf("battery_equal(%g)", float64(c)) }
func (c LevelIs) String() string      { return "battery_level(" + BatteryLevel(c).String() + ")" }
func (c StateIs) String() string      { return "battery_state(" + BatteryState(c).String() + ")" }
func (c UsbPlugged) String() string   { return "usb_plugged(" + string(c) + ")" }
func (c UsbUnplugged) String() string { return "usb_unplugged(" + string(c) + ")" }

// UsbID is a lowercase "vvvv:pppp" vendor/product pair.
type UsbID string

func ParseUsbID(s string) (UsbID, error) {
	id := UsbID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", fmt.Errorf("invalid usb id %q, want vendor:product as xxxx:xxxx hex", s)
	}
	return id, nil
}

func (id UsbID) Valid() bool {
	if len(id) != 9 || id[4] != ':' {
		return false
	}
	for i := 0; i < len(id); i++ {
		if i == 4 {
			continue
		}
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// DeviceLookup answers whether a device is currently attached. It is
// queried lazily on each evaluation instead of caching the device set.
type DeviceLookup interface {
	Present(id UsbID) bool
}

// Evaluate reports whether every condition holds. An empty list holds.
func Evaluate(power PowerStatus, devices DeviceLookup, conditions []Condition) bool {
	for _, c := range conditions {
		if !satisfied(power, devices, c) {
			return false
		}
	}
	return true
}

func satisfied(power PowerStatus, devices DeviceLookup, c Condition) bool {
	switch c := c.(type) {
	case OnBattery:
		return power.Source == Battery
	case OnAC:
		return power.Source == Plugged
	case BatteryBelow:
		return power.Percentage < float64(c)
	case BatteryAbove:
		return power.Percentage > float64(c)
	case BatteryEqual:
		return power.Percentage == float64(c)
	case LevelIs:
		return power.Level == BatteryLevel(c)
	case StateIs:
		return power.State == BatteryState(c)
	case UsbPlugged:
		return present(devices, UsbID(c))
	case UsbUnplugged:
		return !present(devices, UsbID(c))
	default:
		return false
	}
}

func present(devices DeviceLookup, id UsbID) bool {
	if devices == nil || !id.Valid() {
		return false
	}
	return devices.Present(id)
}
