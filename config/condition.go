package config

import (
	"fmt"
	"math"

	"github.com/trbjo/idled/engine"
)

// levelsByNumber orders battery levels from unknown to full. UPower's own
// codes skip values, so config numbers are positions in this list instead.
var levelsByNumber = []engine.BatteryLevel{
	engine.LevelUnknown,
	engine.LevelNone,
	engine.LevelLow,
	engine.LevelCritical,
	engine.LevelNormal,
	engine.LevelHigh,
	engine.LevelFull,
}

// Condition decodes either a bare name ("on_battery") or a single-key
// table ({ battery_below = 20 }).
type Condition struct {
	engine.Condition
}

func (c *Condition) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case string:
		switch v {
		case "on_battery":
			c.Condition = engine.OnBattery{}
		case "on_ac":
			c.Condition = engine.OnAC{}
		default:
			return fmt.Errorf("unknown condition %q", v)
		}
		return nil
	case map[string]any:
		if len(v) != 1 {
			return fmt.Errorf("condition table must have exactly one key, got %d", len(v))
		}
		for name, arg := range v {
			cond, err := tableCondition(name, arg)
			if err != nil {
				return fmt.Errorf("condition %s: %w", name, err)
			}
			c.Condition = cond
		}
		return nil
	default:
		return fmt.Errorf("condition must be a string or a table, got %T", v)
	}
}

func tableCondition(name string, arg any) (engine.Condition, error) {
	switch name {
	case "battery_below", "battery_above", "battery_equal":
		pct, err := percentage(arg)
		if err != nil {
			return nil, err
		}
		switch name {
		case "battery_below":
			return engine.BatteryBelow(pct), nil
		case "battery_above":
			return engine.BatteryAbove(pct), nil
		default:
			return engine.BatteryEqual(pct), nil
		}
	case "battery_level":
		switch arg := arg.(type) {
		case string:
			l, err := engine.ParseBatteryLevel(arg)
			return engine.LevelIs(l), err
		case int64:
			if arg < 0 || arg >= int64(len(levelsByNumber)) {
				return nil, fmt.Errorf("level %d out of range 0..%d", arg, len(levelsByNumber)-1)
			}
			return engine.LevelIs(levelsByNumber[arg]), nil
		}
		return nil, fmt.Errorf("want a level name or number, got %T", arg)
	case "battery_state":
		switch arg := arg.(type) {
		case string:
			s, err := engine.ParseBatteryState(arg)
			return engine.StateIs(s), err
		case int64:
			if arg < 0 || arg > math.MaxUint32 {
				return nil, fmt.Errorf("state %d out of range", arg)
			}
			s, err := engine.BatteryStateFromUint(uint32(arg))
			return engine.StateIs(s), err
		}
		return nil, fmt.Errorf("want a state name or number, got %T", arg)
	case "usb_plugged", "usb_unplugged":
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("want a \"vendor:product\" string, got %T", arg)
		}
		id, err := engine.ParseUsbID(s)
		if err != nil {
			return nil, err
		}
		if name == "usb_plugged" {
			return engine.UsbPlugged(id), nil
		}
		return engine.UsbUnplugged(id), nil
	}
	return nil, fmt.Errorf("unknown condition")
}

func percentage(arg any) (float64, error) {
	switch arg := arg.(type) {
	case int64:
		return float64(arg), nil
	case float64:
		return arg, nil
	}
	return 0, fmt.Errorf("want a percentage, got %T", arg)
}
