package engine

// Event is the closed set of inputs the reactor accepts. Producers only
// construct and send them; all state changes happen in the reactor.
type Event interface {
	event()
}

// Power source.
type (
	SourceChanged       struct{ OnBattery bool }
	PercentageChanged   struct{ Percentage float64 }
	BatteryLevelChanged struct{ Level BatteryLevel }
	BatteryStateChanged struct{ State BatteryState }
)

// Session source. LockedAtStartup reports a session that was already
// locked before the daemon started; it enters Locked without lock_cmd.
type (
	SessionLocked          struct{ Locked bool }
	LockedAtStartup        struct{}
	PrepareForSleep        struct{ Sleeping bool }
	InhibitionBlockChanged struct{ Active bool }
)

// Audio and USB sources.
type (
	PlaybackActive   struct{ Active bool }
	DeviceSetChanged struct{}
)

// Idle-notification transport.
type (
	Idled   struct{ Handle Handle }
	Resumed struct{ Handle Handle }
)

// Configuration.
type ConfigReloaded struct{ Config Config }

// Requests from the ScreenSaver and control interfaces. They are built by
// the Reactor methods of the same name so replies can be awaited.
type (
	inhibitRequest struct {
		appName, reason, owner string
		reply                  chan inhibitReply
	}
	unInhibitRequest struct {
		cookie uint32
		done   chan struct{}
	}
	ownerDisconnected struct {
		owner string
		done  chan struct{}
	}
	lockRequest     struct{ done chan struct{} }
	activityRequest struct{ done chan struct{} }
	statusRequest   struct{ reply chan Status }
)

type inhibitReply struct {
	cookie uint32
	err    error
}

func (SourceChanged) event()          {}
func (PercentageChanged) event()      {}
func (BatteryLevelChanged) event()    {}
func (BatteryStateChanged) event()    {}
func (SessionLocked) event()          {}
func (LockedAtStartup) event()        {}
func (PrepareForSleep) event()        {}
func (InhibitionBlockChanged) event() {}
func (PlaybackActive) event()         {}
func (DeviceSetChanged) event()       {}
func (Idled) event()                  {}
func (Resumed) event()                {}
func (ConfigReloaded) event()         {}
func (inhibitRequest) event()         {}
func (unInhibitRequest) event()       {}
func (ownerDisconnected) event()      {}
func (lockRequest) event()            {}
func (activityRequest) event()        {}
func (statusRequest) event()          {}
