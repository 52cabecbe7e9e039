package engine

import (
	"fmt"
	"math"
	"strconv"
)

type PowerSource int

const (
	Battery PowerSource = iota
	Plugged
)

func (s PowerSource) String() string {
	switch s {
	case Battery:
		return "battery"
	case Plugged:
		return "plugged"
	default:
		return strconv.Itoa(int(s))
	}
}

// BatteryLevel mirrors the UPower Device.BatteryLevel values.
type BatteryLevel uint32

const (
	LevelUnknown  BatteryLevel = 0
	LevelNone     BatteryLevel = 1
	LevelLow      BatteryLevel = 3
	LevelCritical BatteryLevel = 4
	LevelNormal   BatteryLevel = 6
	LevelHigh     BatteryLevel = 7
	LevelFull     BatteryLevel = 8
)

var levelNames = map[BatteryLevel]string{
	LevelUnknown:  "unknown",
	LevelNone:     "none",
	LevelLow:      "low",
	LevelCritical: "critical",
	LevelNormal:   "normal",
	LevelHigh:     "high",
	LevelFull:     "full",
}

func (l BatteryLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

func ParseBatteryLevel(s string) (BatteryLevel, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return LevelUnknown, fmt.Errorf("invalid battery level %q", s)
}

func BatteryLevelFromUint(v uint32) (BatteryLevel, error) {
	l := BatteryLevel(v)
	if _, ok := levelNames[l]; !ok {
		return LevelUnknown, fmt.Errorf("invalid battery level %d", v)
	}
	return l, nil
}

// BatteryState mirrors the UPower Device.State values.
type BatteryState uint32

const (
	StateUnknown BatteryState = iota
	StateCharging
	StateDischarging
	StateEmpty
	StateFullyCharged
	StatePendingCharge
	StatePendingDischarge
)

var stateNames = map[BatteryState]string{
	StateUnknown:          "unknown",
	StateCharging:         "charging",
	StateDischarging:      "discharging",
	StateEmpty:            "empty",
	StateFullyCharged:     "fully_charged",
	StatePendingCharge:    "pending_charge",
	StatePendingDischarge: "pending_discharge",
}

func (s BatteryState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

func ParseBatteryState(s string) (BatteryState, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("invalid battery state %q", s)
}

func BatteryStateFromUint(v uint32) (BatteryState, error) {
	st := BatteryState(v)
	if _, ok := stateNames[st]; !ok {
		return StateUnknown, fmt.Errorf("invalid battery state %d", v)
	}
	return st, nil
}

// PowerStatus is the latest known power supply snapshot. The zero value is
// the startup default: on battery, unknown level and state, 0%.
type PowerStatus struct {
	Source     PowerSource
	Percentage float64
	Level      BatteryLevel
	State      BatteryState
}

func (p *PowerStatus) UpdateSource(onBattery bool) {
	if onBattery {
		p.Source = Battery
	} else {
		p.Source = Plugged
	}
}

// UpdatePercentage clamps to [0,100]. NaN is kept as is and then satisfies
// no percentage comparison.
func (p *PowerStatus) UpdatePercentage(v float64) {
	switch {
	case math.IsNaN(v):
	case v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	p.Percentage = v
}

func (p *PowerStatus) UpdateLevel(l BatteryLevel) {
	p.Level = l
}

func (p *PowerStatus) UpdateState(s BatteryState) {
	p.State = s
}
