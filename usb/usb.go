package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
)

var lg = logger.Slog.With("component", "usb")

const (
	DevicesPath = "/sys/bus/usb/devices"

	pollInterval = 500 * time.Millisecond
	settleDelay  = 100 * time.Millisecond
)

// Enumerator answers device presence from sysfs on every call, so it is
// always current without tracking hot-plug itself.
type Enumerator struct {
	root string
}

func NewEnumerator(root string) *Enumerator {
	return &Enumerator{root: root}
}

func (e *Enumerator) Present(id engine.UsbID) bool {
	vendor, product, ok := strings.Cut(string(id), ":")
	if !ok {
		return false
	}
	entries, err := os.ReadDir(e.root)
	if err != nil {
		lg.Debug("Unable to list usb devices", "error", err)
		return false
	}
	for _, entry := range entries {
		dir := filepath.Join(e.root, entry.Name())
		if readAttr(dir, "idVendor") == vendor && readAttr(dir, "idProduct") == product {
			return true
		}
	}
	return false
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(data)))
}

// Monitor listens for kernel uevents and emits DeviceSetChanged when USB
// devices come or go. Bursts, such as a hub with several devices, are
// reported once.
type Monitor struct {
	emit func(engine.Event)
}

func NewMonitor(emit func(engine.Event)) *Monitor {
	return &Monitor{emit: emit}
}

func (m *Monitor) Run(ctx context.Context) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("open uevent socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		return fmt.Errorf("bind uevent socket: %w", err)
	}
	lg.Info("USB listener active")

	buf := make([]byte, 16*1024)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	pending := false
	for ctx.Err() == nil {
		timeout := pollInterval
		if pending {
			timeout = settleDelay
		}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll uevent socket: %w", err)
		}
		if n == 0 {
			if pending {
				pending = false
				m.emit(engine.DeviceSetChanged{})
			}
			continue
		}

		nr, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
				continue
			}
			return fmt.Errorf("read uevent: %w", err)
		}
		ev := parseUevent(buf[:nr])
		if isDeviceChange(ev) {
			lg.Debug("USB device event", "action", ev["ACTION"], "product", ev["PRODUCT"])
			pending = true
		}
	}
	return nil
}

// parseUevent splits "action@devpath\0KEY=value\0..." into its keys.
func parseUevent(msg []byte) map[string]string {
	fields := bytes.Split(msg, []byte{0})
	ev := make(map[string]string, len(fields))
	for i, f := range fields {
		if i == 0 && bytes.IndexByte(f, '@') >= 0 {
			continue
		}
		k, v, ok := bytes.Cut(f, []byte{'='})
		if !ok {
			continue
		}
		ev[string(k)] = string(v)
	}
	return ev
}

func isDeviceChange(ev map[string]string) bool {
	if ev["SUBSYSTEM"] != "usb" || ev["DEVTYPE"] != "usb_device" {
		return false
	}
	switch ev["ACTION"] {
	case "add", "remove", "bind", "unbind":
		return true
	}
	return false
}
