package engine

// Settings are the global, non-listener parts of the configuration.
// Empty command strings mean "not configured".
type Settings struct {
	LockCmd        string
	UnlockCmd      string
	BeforeSleepCmd string
	AfterSleepCmd  string
	Ignore         IgnoreSet
}

// Config is what the reactor is built from and what a reload replaces.
type Config struct {
	Settings  Settings
	Listeners []ListenerSpec
}

type Status struct {
	Lock       LockStatus       `yaml:"lock"`
	Inhibited  bool             `yaml:"inhibited"`
	Inhibitors InhibitorStatus  `yaml:"inhibitors"`
	Power      PowerReport      `yaml:"power"`
	Listeners  []ListenerStatus `yaml:"listeners"`
}

type LockStatus struct {
	State         string `yaml:"state"`
	ActiveSeconds uint32 `yaml:"active_seconds,omitempty"`
	Sleeping      bool   `yaml:"sleeping,omitempty"`
}

type InhibitorStatus struct {
	Dbus         bool                `yaml:"dbus"`
	Systemd      bool                `yaml:"systemd"`
	Audio        bool                `yaml:"audio"`
	Applications []ApplicationStatus `yaml:"applications,omitempty"`
}

type ApplicationStatus struct {
	Cookie  uint32 `yaml:"cookie"`
	AppName string `yaml:"app"`
	Reason  string `yaml:"reason"`
	Owner   string `yaml:"owner"`
}

type PowerReport struct {
	Source     string  `yaml:"source"`
	Percentage float64 `yaml:"percentage"`
	Level      string  `yaml:"level"`
	State      string  `yaml:"state"`
}

type ListenerStatus struct {
	Timeout    string   `yaml:"timeout"`
	Conditions []string `yaml:"conditions,omitempty"`
	Armed      bool     `yaml:"armed"`
	Idled      bool     `yaml:"idled,omitempty"`
	OnTimeout  string   `yaml:"on_timeout,omitempty"`
	OnResume   string   `yaml:"on_resume,omitempty"`
}
