package utilities

import (
	"os"
	"path/filepath"
	"strings"
)

const PowerSupplyPath = "/sys/class/power_supply"

// CreateNonBlockingSender returns a sender that never blocks. When the
// channel is full it is drained first, so only the newest value survives.
// Used for "something changed, go look" triggers where coalescing is fine.
func CreateNonBlockingSender[T any](ch chan T) func(T) {
	return func(msg T) {
		select {
		case ch <- msg:
		default:
			drainChannel(ch)
			select {
			case ch <- msg:
			default:
				// Channel is still full or closed, message dropped
			}
		}
	}
}

func drainChannel[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// OnBattery reads the AC adapter state from sysfs. ok is false when no
// adapter could be read, in which case onBattery carries no information.
func OnBattery(root string) (onBattery bool, ok bool) {
	files, err := os.ReadDir(root)
	if err != nil {
		return false, false
	}

	for _, file := range files {
		name := file.Name()
		if !strings.HasPrefix(name, "AC") && !strings.HasPrefix(name, "ADP") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, name, "online"))
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(data)) == "0", true
	}
	return false, false
}
