package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/jfreymuth/pulse/proto"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
	"github.com/trbjo/idled/utilities"
)

var lg = logger.Slog.With("component", "audio")

// resyncInterval re-reads the stream list without an event, which also
// notices a server that has gone away.
const resyncInterval = 30 * time.Second

// Monitor treats any uncorked sink input as playback. It speaks the native
// PulseAudio protocol, which pipewire-pulse serves as well.
type Monitor struct {
	emit   func(engine.Event)
	server string
	known  bool
	active bool
}

func New(emit func(engine.Event)) *Monitor {
	return &Monitor{emit: emit}
}

func (m *Monitor) Run(ctx context.Context) error {
	client, conn, err := proto.Connect(m.server)
	if err != nil {
		return fmt.Errorf("connect to pulseaudio: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	trigger := make(chan struct{}, 1)
	notify := utilities.CreateNonBlockingSender(trigger)
	client.Callback = func(msg any) {
		if ev, ok := msg.(*proto.SubscribeEvent); ok && isSinkInputEvent(ev.Event) {
			notify(struct{}{})
		}
	}

	props := proto.PropList{"application.name": proto.PropListString("idled")}
	if err := client.Request(&proto.SetClientName{Props: props}, &proto.SetClientNameReply{}); err != nil {
		return fmt.Errorf("set client name: %w", err)
	}
	if err := client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSinkInput}, nil); err != nil {
		return fmt.Errorf("subscribe to sink inputs: %w", err)
	}

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	lg.Info("Audio listener active")
	for {
		if err := m.refresh(client); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
		case <-ticker.C:
		}
	}
}

func (m *Monitor) refresh(client *proto.Client) error {
	var inputs proto.GetSinkInputInfoListReply
	if err := client.Request(&proto.GetSinkInputInfoList{}, &inputs); err != nil {
		return fmt.Errorf("list sink inputs: %w", err)
	}
	playing, apps := uncorked(inputs)
	if m.set(playing) {
		lg.Info("Audio playback changed", "active", playing, "applications", apps)
	}
	return nil
}

// set emits PlaybackActive when the value differs from the last one sent.
func (m *Monitor) set(playing bool) bool {
	if m.known && m.active == playing {
		return false
	}
	m.known = true
	m.active = playing
	m.emit(engine.PlaybackActive{Active: playing})
	return true
}

func uncorked(inputs proto.GetSinkInputInfoListReply) (bool, []string) {
	var apps []string
	playing := false
	for _, input := range inputs {
		if input == nil || input.Corked {
			continue
		}
		playing = true
		if name, ok := input.Properties["application.name"]; ok {
			apps = append(apps, name.String())
		}
	}
	return playing, apps
}

func isSinkInputEvent(ev proto.SubscriptionEventType) bool {
	return ev.GetFacility() == proto.EventSinkSinkInput
}
