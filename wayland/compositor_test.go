package wayland

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	seatGlobal     = 1
	notifierGlobal = 2
)

// fakeCompositor speaks just enough of the wire protocol to announce a
// seat and the idle notifier and to track idle notifications.
type fakeCompositor struct {
	conn      *net.UnixConn
	writeMu   sync.Mutex
	armed     chan uint32
	destroyed chan uint32
}

func startCompositor(t *testing.T) *fakeCompositor {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	t.Setenv("WAYLAND_DISPLAY", "wayland-test")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: filepath.Join(dir, "wayland-test"), Net: "unix"})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	c := &fakeCompositor{
		armed:     make(chan uint32, 8),
		destroyed: make(chan uint32, 8),
	}
	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		c.conn = conn
		c.serve()
	}()
	return c
}

func (c *fakeCompositor) serve() {
	defer c.conn.Close()

	var registry, notifier uint32
	announced := false
	notifications := map[uint32]bool{}
	for {
		sender, opcode, body, err := c.read()
		if err != nil {
			return
		}
		switch {
		case sender == 1 && opcode == 1: // wl_display.get_registry
			registry = word(body, 0)
		case sender == 1 && opcode == 0: // wl_display.sync
			if !announced {
				announced = true
				c.send(registry, 0, uintArg(seatGlobal), stringArg("wl_seat"), uintArg(7))
				c.send(registry, 0, uintArg(notifierGlobal), stringArg(notifierInterface), uintArg(1))
			}
			c.send(word(body, 0), 0, uintArg(0))
		case sender == registry && opcode == 0: // wl_registry.bind
			name := word(body, 0)
			id := word(body, 8+padded(int(word(body, 4)))+4)
			switch name {
			case seatGlobal:
				c.send(id, 1, stringArg("seat0"))
			case notifierGlobal:
				notifier = id
			}
		case sender == notifier && opcode == 1: // get_idle_notification
			id := word(body, 0)
			notifications[id] = true
			c.armed <- id
		case notifications[sender] && opcode == 0: // destroy
			delete(notifications, sender)
			c.destroyed <- sender
		}
	}
}

func (c *fakeCompositor) read() (sender, opcode uint32, body []byte, err error) {
	header := make([]byte, 8)
	if _, err = io.ReadFull(c.conn, header); err != nil {
		return 0, 0, nil, err
	}
	sizeOpcode := word(header, 4)
	body = make([]byte, sizeOpcode>>16-8)
	if _, err = io.ReadFull(c.conn, body); err != nil {
		return 0, 0, nil, err
	}
	return word(header, 0), sizeOpcode & 0xffff, body, nil
}

func (c *fakeCompositor) send(id, opcode uint32, args ...[]byte) {
	body := bytes.Join(args, nil)
	msg := binary.NativeEndian.AppendUint32(nil, id)
	msg = binary.NativeEndian.AppendUint32(msg, uint32(8+len(body))<<16|opcode)
	msg = append(msg, body...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.conn.Write(msg)
}

func word(b []byte, off int) uint32 {
	return binary.NativeEndian.Uint32(b[off : off+4])
}

func padded(n int) int {
	return (n + 3) &^ 3
}

func uintArg(v uint32) []byte {
	return binary.NativeEndian.AppendUint32(nil, v)
}

func stringArg(s string) []byte {
	b := binary.NativeEndian.AppendUint32(nil, uint32(len(s)+1))
	b = append(b, s...)
	return append(b, make([]byte, padded(len(s)+1)-len(s))...)
}
