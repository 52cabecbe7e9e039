package wayland

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rajveermalviya/go-wayland/wayland/client"
	ext_idle_notify "github.com/rajveermalviya/go-wayland/wayland/staging/ext-idle-notify-v1"
	"golang.org/x/sys/unix"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
)

var lg = logger.Slog.With("component", "wayland")

const notifierInterface = "ext_idle_notifier_v1"

var errNotifierClosed = errors.New("idle notifier closed")

type seatInfo struct {
	name string
	seat *client.Seat
}

// Notifier arms ext-idle-notify-v1 notifications on one seat and feeds
// their idled and resumed events to emit.
type Notifier struct {
	display       *client.Display
	registry      *client.Registry
	idleNotifier  *ext_idle_notify.IdleNotifier
	seat          *client.Seat
	emit          func(engine.Event)
	notifications map[engine.Handle]*ext_idle_notify.IdleNotification
	nextHandle    engine.Handle
	closed        bool
	mu            sync.Mutex
}

// New connects to the compositor named by $WAYLAND_DISPLAY. seatName picks
// the seat; when empty or absent the first named seat is used.
func New(seatName string, emit func(engine.Event)) (*Notifier, error) {
	display, err := client.Connect("")
	if err != nil {
		return nil, fmt.Errorf("connect to wayland display: %w", err)
	}

	registry, err := display.GetRegistry()
	if err != nil {
		display.Context().Close()
		return nil, fmt.Errorf("get registry: %w", err)
	}

	n := &Notifier{
		display:       display,
		registry:      registry,
		emit:          emit,
		notifications: make(map[engine.Handle]*ext_idle_notify.IdleNotification),
	}

	if err := n.initialize(seatName); err != nil {
		display.Context().Close()
		return nil, err
	}

	return n, nil
}

func (n *Notifier) initialize(seatName string) error {
	var notifierName, notifierVersion uint32
	var seats []*seatInfo

	n.registry.SetGlobalHandler(func(e client.RegistryGlobalEvent) {
		switch e.Interface {
		case notifierInterface:
			notifierName = e.Name
			notifierVersion = e.Version
		case "wl_seat":
			seat := client.NewSeat(n.display.Context())
			if err := n.registry.Bind(e.Name, e.Interface, e.Version, seat); err != nil {
				lg.Error("Failed to bind seat", "error", err)
				return
			}
			info := &seatInfo{seat: seat}
			seat.SetNameHandler(func(e client.SeatNameEvent) {
				info.name = e.Name
			})
			seats = append(seats, info)
		}
	})

	// The first roundtrip announces globals, the second delivers seat names.
	if err := n.roundTrip(); err != nil {
		return err
	}
	if err := n.roundTrip(); err != nil {
		return err
	}

	if notifierName == 0 {
		return fmt.Errorf("compositor does not support %s", notifierInterface)
	}
	n.seat = pickSeat(seats, seatName)
	if n.seat == nil {
		return errors.New("no wayland seat found")
	}

	n.idleNotifier = ext_idle_notify.NewIdleNotifier(n.display.Context())
	if err := n.registry.Bind(notifierName, notifierInterface, min(notifierVersion, 1), n.idleNotifier); err != nil {
		return fmt.Errorf("bind %s: %w", notifierInterface, err)
	}
	return nil
}

func pickSeat(seats []*seatInfo, name string) *client.Seat {
	var fallback *client.Seat
	for _, s := range seats {
		if name != "" && s.name == name {
			return s.seat
		}
		if fallback == nil && s.name != "" {
			fallback = s.seat
		}
	}
	if fallback == nil && len(seats) > 0 {
		fallback = seats[0].seat
	}
	return fallback
}

func (n *Notifier) roundTrip() error {
	callback, err := n.display.Sync()
	if err != nil {
		return fmt.Errorf("display sync: %w", err)
	}
	defer func() {
		if err := callback.Destroy(); err != nil {
			lg.Error("Unable to destroy callback", "error", err)
		}
	}()

	done := false
	callback.SetDoneHandler(func(client.CallbackDoneEvent) {
		done = true
	})
	for !done {
		if err := n.dispatch(); err != nil {
			return err
		}
	}
	return nil
}

// dispatch reads one event and hands it to its proxy. Events for objects
// that were destroyed after the compositor queued them are dropped.
// The object table is shared with Arm and Disarm, so lookups take n.mu.
// Handlers run unlocked since emit may block.
func (n *Notifier) dispatch() error {
	ctx := n.display.Context()
	senderID, opcode, fd, data, err := ctx.ReadMsg()
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}

	n.mu.Lock()
	proxy := ctx.GetProxy(senderID)
	n.mu.Unlock()

	dispatcher, ok := proxy.(client.Dispatcher)
	if !ok {
		lg.Debug("Dropping event for unknown object", "id", senderID, "opcode", opcode)
		if fd >= 0 {
			unix.Close(fd)
		}
		return nil
	}
	dispatcher.Dispatch(opcode, fd, data)
	return nil
}

// Arm creates a notification that fires after timeout of inactivity.
// A zero timeout idles immediately and is used to observe activity.
// Handlers are installed before n.mu is released, so dispatch never sees
// the new object without them.
func (n *Notifier) Arm(timeout time.Duration) (engine.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, errNotifierClosed
	}

	notification, err := n.idleNotifier.GetIdleNotification(timeoutMillis(timeout), n.seat)
	if err != nil {
		return 0, fmt.Errorf("get idle notification: %w", err)
	}

	n.nextHandle++
	h := n.nextHandle
	notification.SetIdledHandler(func(ext_idle_notify.IdleNotificationIdledEvent) {
		n.emit(engine.Idled{Handle: h})
	})
	notification.SetResumedHandler(func(ext_idle_notify.IdleNotificationResumedEvent) {
		n.emit(engine.Resumed{Handle: h})
	})

	n.notifications[h] = notification
	return h, nil
}

func (n *Notifier) Disarm(h engine.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	notification, ok := n.notifications[h]
	if !ok {
		lg.Warn("No notification found", "handle", h)
		return
	}
	delete(n.notifications, h)
	if n.closed {
		return
	}
	if err := notification.Destroy(); err != nil {
		lg.Error("Failed to destroy idle notification", "error", err)
	}
}

// Run dispatches compositor events until the connection fails or is
// closed.
func (n *Notifier) Run() error {
	for {
		if err := n.dispatch(); err != nil {
			n.mu.Lock()
			closed := n.closed
			n.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("wayland dispatch: %w", err)
		}
	}
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	for h, notification := range n.notifications {
		if err := notification.Destroy(); err != nil {
			lg.Debug("Failed to destroy idle notification", "handle", h, "error", err)
		}
	}
	if n.idleNotifier != nil {
		if err := n.idleNotifier.Destroy(); err != nil {
			lg.Debug("Failed to destroy idle notifier", "error", err)
		}
	}
	n.closed = true
	return n.display.Context().Close()
}

// timeoutMillis saturates at the protocol's u32 limit.
func timeoutMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	switch {
	case ms <= 0:
		return 0
	case ms > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(ms)
}
