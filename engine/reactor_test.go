package engine

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) inhibit(app, owner string) uint32 {
	reply := make(chan inhibitReply, 1)
	f.reactor.Handle(inhibitRequest{appName: app, owner: owner, reply: reply})
	res := <-reply
	if res.err != nil {
		panic(res.err)
	}
	return res.cookie
}

func (f *fixture) unInhibit(cookie uint32) {
	done := make(chan struct{})
	f.reactor.Handle(unInhibitRequest{cookie: cookie, done: done})
	<-done
}

func (f *fixture) status() Status {
	reply := make(chan Status, 1)
	f.reactor.Handle(statusRequest{reply: reply})
	return <-reply
}

func TestArmsWhenSourceFlipsToBattery(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: 300 * time.Second, Conditions: []Condition{OnBattery{}}},
	}})

	f.send(SourceChanged{OnBattery: false})
	assert.Empty(t, f.notifier.armed)

	f.send(SourceChanged{OnBattery: true})
	require.Len(t, f.notifier.armed, 1)
	assert.Equal(t, 300*time.Second, f.notifier.armed[0])
	assert.Equal(t, 1, f.armedCount())
}

func TestApplicationInhibitors(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute}}})
	f.send(DeviceSetChanged{})
	require.Equal(t, 1, f.armedCount())

	c1 := f.inhibit("firefox", ":1.10")
	c2 := f.inhibit("mpv", ":1.20")
	assert.Equal(t, uint32(1), c1)
	assert.Equal(t, uint32(2), c2)
	assert.Equal(t, 0, f.armedCount())

	f.unInhibit(c1)
	assert.True(t, f.reactor.inhibitors.Inhibited())
	assert.Equal(t, 0, f.armedCount())

	f.unInhibit(c2)
	assert.False(t, f.reactor.inhibitors.Inhibited())
	assert.Equal(t, 1, f.armedCount())
	assert.Len(t, f.notifier.armed, 2)
}

func TestPercentageCrossesThreshold(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: time.Minute, Conditions: []Condition{BatteryBelow(20)}},
	}})

	f.send(PercentageChanged{Percentage: 15})
	assert.Equal(t, 1, f.armedCount())

	f.send(PercentageChanged{Percentage: 25})
	assert.Equal(t, 0, f.armedCount())
	assert.Len(t, f.notifier.disarmed, 1)
	assert.Empty(t, f.notifier.live)
}

func TestIdledRunsTimeoutOnce(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: time.Minute, OnTimeout: "notify-send idle", OnResume: "notify-send back"},
	}})
	f.send(DeviceSetChanged{})
	h := f.notifier.handleWith(time.Minute)
	require.NotZero(t, h)

	f.send(Idled{Handle: h}, Idled{Handle: h})
	assert.Equal(t, []string{"notify-send idle"}, f.runner.commands)

	f.send(Resumed{Handle: h})
	assert.Equal(t, []string{"notify-send idle", "notify-send back"}, f.runner.commands)

	f.send(Resumed{Handle: h})
	assert.Len(t, f.runner.commands, 2, "resume without a prior idle runs nothing")

	f.send(Idled{Handle: h})
	assert.Equal(t, "notify-send idle", f.runner.commands[2], "next cycle")
}

func TestOwnerVanishesWithSoleCookie(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute}}})
	var cookie uint32
	for i := 0; i < 7; i++ {
		cookie = f.inhibit("app", ":1.42")
		if i < 6 {
			f.unInhibit(cookie)
		}
	}
	require.Equal(t, uint32(7), cookie)
	require.Len(t, f.reactor.inhibitors.Entries(), 1)
	assert.Equal(t, 0, f.armedCount())

	done := make(chan struct{})
	f.send(ownerDisconnected{owner: ":1.42", done: done})
	<-done

	assert.Empty(t, f.reactor.inhibitors.Entries())
	assert.False(t, f.reactor.inhibitors.Inhibited())
	assert.Equal(t, 1, f.armedCount())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: time.Minute},
		{Timeout: 2 * time.Minute, Conditions: []Condition{OnAC{}}},
		{Timeout: 3 * time.Minute, Conditions: []Condition{BatteryBelow(50)}},
	}})
	f.send(PercentageChanged{Percentage: 30})
	calls := f.notifier.calls()

	for i := 0; i < 3; i++ {
		f.send(PercentageChanged{Percentage: 30}, DeviceSetChanged{}, SourceChanged{OnBattery: true})
	}
	assert.Equal(t, calls, f.notifier.calls())
}

func TestSessionAndAudioInhibit(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute}}})
	f.send(DeviceSetChanged{})
	require.Equal(t, 1, f.armedCount())

	f.send(InhibitionBlockChanged{Active: true})
	assert.Equal(t, 0, f.armedCount())
	f.send(PlaybackActive{Active: true}, InhibitionBlockChanged{Active: false})
	assert.Equal(t, 0, f.armedCount())
	f.send(PlaybackActive{Active: false})
	assert.Equal(t, 1, f.armedCount())
}

func TestIgnoredInhibitorsDoNotDisarm(t *testing.T) {
	f := newFixture(Config{
		Settings:  Settings{Ignore: IgnoreSet{Audio: true}},
		Listeners: []ListenerSpec{{Timeout: time.Minute}},
	})
	f.send(PlaybackActive{Active: true})
	assert.Equal(t, 1, f.armedCount())
}

func TestUsbConditions(t *testing.T) {
	dock := UsbID("17ef:3066")
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: time.Minute, Conditions: []Condition{UsbUnplugged(dock)}},
	}})
	f.send(DeviceSetChanged{})
	assert.Equal(t, 1, f.armedCount())

	f.devices[dock] = true
	f.send(DeviceSetChanged{})
	assert.Equal(t, 0, f.armedCount())
}

func TestLockIsEdgeTriggered(t *testing.T) {
	f := newFixture(Config{Settings: Settings{LockCmd: "swaylock", UnlockCmd: "notify-send unlocked"}})

	f.send(SessionLocked{Locked: true}, SessionLocked{Locked: true})
	assert.Equal(t, []string{"swaylock"}, f.runner.commands)
	assert.True(t, f.reactor.GetActive())
	require.Len(t, f.locks, 1)
	assert.Equal(t, f.now, f.locks[0].Since)

	f.now = f.now.Add(90 * time.Second)
	assert.Equal(t, uint32(90), f.reactor.GetActiveSeconds())

	f.send(SessionLocked{Locked: false}, SessionLocked{Locked: false})
	assert.Equal(t, []string{"swaylock", "notify-send unlocked"}, f.runner.commands)
	assert.False(t, f.reactor.GetActive())
	assert.Zero(t, f.reactor.GetActiveSeconds())
	assert.Len(t, f.locks, 2)
	assert.Empty(t, f.notifier.live, "probe released on unlock")
}

func TestProbeDetectsExternalUnlock(t *testing.T) {
	f := newFixture(Config{Settings: Settings{LockCmd: "swaylock", UnlockCmd: "notify-send unlocked"}})

	done := make(chan struct{})
	f.send(lockRequest{done: done})
	<-done
	probe := f.notifier.handleWith(0)
	require.NotZero(t, probe)

	f.send(Idled{Handle: probe})
	assert.True(t, f.reactor.GetActive(), "probe idling means nothing")

	f.send(Resumed{Handle: probe})
	assert.False(t, f.reactor.GetActive())
	assert.Equal(t, []string{"swaylock"}, f.runner.commands, "detected unlock runs no unlock command")
	assert.Empty(t, f.notifier.live)
}

func TestLockedAtStartupRunsNoLocker(t *testing.T) {
	f := newFixture(Config{Settings: Settings{LockCmd: "swaylock", UnlockCmd: "notify-send unlocked"}})

	f.send(LockedAtStartup{})
	assert.Empty(t, f.runner.commands)
	assert.True(t, f.reactor.GetActive())
	require.Len(t, f.locks, 1)
	probe := f.notifier.handleWith(0)
	require.NotZero(t, probe, "probe armed")

	f.send(SessionLocked{Locked: true})
	assert.Empty(t, f.runner.commands, "already locked")

	f.send(SessionLocked{Locked: false})
	assert.Equal(t, []string{"notify-send unlocked"}, f.runner.commands)
	assert.Empty(t, f.notifier.live)
}

func TestBootClockAdvances(t *testing.T) {
	first := bootClock()
	require.False(t, first.IsZero())
	time.Sleep(10 * time.Millisecond)
	elapsed := bootClock().Sub(first)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Minute)
}

func TestSleepCommandsAreEdgeTriggered(t *testing.T) {
	f := newFixture(Config{Settings: Settings{BeforeSleepCmd: "loginctl lock-session", AfterSleepCmd: "brightnessctl -r"}})

	f.send(PrepareForSleep{Sleeping: false})
	assert.Empty(t, f.runner.commands)

	f.send(PrepareForSleep{Sleeping: true}, PrepareForSleep{Sleeping: true}, PrepareForSleep{Sleeping: false})
	assert.Equal(t, []string{"loginctl lock-session", "brightnessctl -r"}, f.runner.commands)
}

func TestSimulateActivityRestartsCountdowns(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: time.Minute, OnTimeout: "dim", OnResume: "undim"},
		{Timeout: 5 * time.Minute, OnTimeout: "lock"},
	}})
	f.send(DeviceSetChanged{})
	first := f.notifier.handleWith(time.Minute)
	f.send(Idled{Handle: first})

	done := make(chan struct{})
	f.send(activityRequest{done: done})
	<-done

	assert.Equal(t, []string{"dim", "undim"}, f.runner.commands)
	assert.Equal(t, 2, f.armedCount())
	assert.Len(t, f.notifier.armed, 4)
	assert.NotContains(t, f.notifier.live, first)

	f.send(Resumed{Handle: first})
	assert.Len(t, f.runner.commands, 2, "old handle is stale")
}

func TestReloadReplacesListeners(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute, OnTimeout: "old"}}})
	f.send(DeviceSetChanged{})
	old := f.notifier.handleWith(time.Minute)

	f.send(ConfigReloaded{Config: Config{
		Settings:  Settings{LockCmd: "swaylock"},
		Listeners: []ListenerSpec{{Timeout: 2 * time.Minute, OnTimeout: "new"}, {Timeout: 3 * time.Minute}},
	}})

	assert.Equal(t, 2, f.armedCount())
	assert.NotContains(t, f.notifier.live, old)
	assert.Len(t, f.notifier.live, 2)
	assert.Equal(t, "swaylock", f.reactor.settings.LockCmd)

	f.send(Idled{Handle: old})
	assert.Empty(t, f.runner.commands)
}

func TestArmFailureIsRetried(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute}}})
	f.notifier.fail = true
	f.send(DeviceSetChanged{})
	assert.Equal(t, 0, f.armedCount())

	f.notifier.fail = false
	f.send(DeviceSetChanged{})
	assert.Equal(t, 1, f.armedCount())
}

func TestStatusReport(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{
		{Timeout: 90 * time.Second, Conditions: []Condition{OnBattery{}, BatteryBelow(20)}, OnTimeout: "dim"},
	}})
	f.send(PercentageChanged{Percentage: 10}, PlaybackActive{Active: true})
	f.inhibit("firefox", ":1.3")

	st := f.status()
	assert.Equal(t, "Unlocked", st.Lock.State)
	assert.True(t, st.Inhibited)
	assert.True(t, st.Inhibitors.Dbus)
	assert.True(t, st.Inhibitors.Audio)
	assert.False(t, st.Inhibitors.Systemd)
	require.Len(t, st.Inhibitors.Applications, 1)
	assert.Equal(t, "firefox", st.Inhibitors.Applications[0].AppName)
	assert.Equal(t, 10.0, st.Power.Percentage)
	require.Len(t, st.Listeners, 1)
	assert.Equal(t, "1m30s", st.Listeners[0].Timeout)
	assert.Equal(t, []string{"on_battery", "battery_below(20)"}, st.Listeners[0].Conditions)
	assert.False(t, st.Listeners[0].Armed)
}

func TestStatusShowsIdledListener(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute, OnTimeout: "dim"}}})
	f.send(DeviceSetChanged{})
	f.send(Idled{Handle: f.notifier.handleWith(time.Minute)})

	st := f.status()
	require.Len(t, st.Listeners, 1)
	assert.True(t, st.Listeners[0].Armed)
	assert.True(t, st.Listeners[0].Idled)
}

// Whatever the event sequence, an inhibited reactor holds no listener
// notification and an uninhibited one holds exactly the eligible ones.
func TestReconcileInvariantUnderRandomEvents(t *testing.T) {
	specs := []ListenerSpec{
		{Timeout: time.Minute},
		{Timeout: 2 * time.Minute, Conditions: []Condition{OnBattery{}}},
		{Timeout: 3 * time.Minute, Conditions: []Condition{OnAC{}, BatteryAbove(40)}},
		{Timeout: 4 * time.Minute, Conditions: []Condition{BatteryBelow(30), LevelIs(LevelLow)}},
		{Timeout: 5 * time.Minute, Conditions: []Condition{UsbPlugged("046d:c52b")}},
	}
	f := newFixture(Config{Listeners: specs})
	rng := rand.New(rand.NewPCG(7, 11))

	var cookies []uint32
	for i := 0; i < 2000; i++ {
		switch rng.IntN(9) {
		case 0:
			f.send(SourceChanged{OnBattery: rng.IntN(2) == 0})
		case 1:
			f.send(PercentageChanged{Percentage: float64(rng.IntN(101))})
		case 2:
			f.send(BatteryLevelChanged{Level: []BatteryLevel{LevelLow, LevelNormal, LevelCritical}[rng.IntN(3)]})
		case 3:
			f.send(InhibitionBlockChanged{Active: rng.IntN(3) == 0})
		case 4:
			f.send(PlaybackActive{Active: rng.IntN(3) == 0})
		case 5:
			f.devices["046d:c52b"] = rng.IntN(2) == 0
			f.send(DeviceSetChanged{})
		case 6:
			cookies = append(cookies, f.inhibit("app", ":1.1"))
		case 7:
			if len(cookies) > 0 {
				f.unInhibit(cookies[0])
				cookies = cookies[1:]
			}
		case 8:
			f.send(SessionLocked{Locked: rng.IntN(2) == 0})
		}

		inhibited := f.reactor.inhibitors.Inhibited()
		for _, l := range f.reactor.listeners {
			want := !inhibited && Evaluate(f.reactor.power, f.devices, l.Spec.Conditions)
			require.Equal(t, want, l.Armed(), "step %d listener %s", i, l.Spec.Timeout)
		}

		live := f.armedCount()
		if f.reactor.lock.probe != nil {
			live++
		}
		require.Len(t, f.notifier.live, live, "step %d", i)
	}
}

func TestRunServesRequests(t *testing.T) {
	f := newFixture(Config{Listeners: []ListenerSpec{{Timeout: time.Minute}}})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.reactor.Run(ctx) }()

	cookie, err := f.reactor.Inhibit(ctx, "firefox", "video", ":1.9")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cookie)

	require.NoError(t, f.reactor.RequestLock(ctx))
	assert.True(t, f.reactor.GetActive())

	st, err := f.reactor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Locked", st.Lock.State)
	assert.True(t, st.Inhibited)

	require.NoError(t, f.reactor.UnInhibit(ctx, cookie))
	require.NoError(t, f.reactor.SimulateActivity(ctx))
	require.NoError(t, f.reactor.OwnerDisconnected(ctx, ":1.9"))

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Empty(t, f.notifier.live, "shutdown releases every notification")

	_, err = f.reactor.Inhibit(context.Background(), "late", "", ":1.9")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.reactor.RequestLock(context.Background()), ErrStopped)
}
