package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/trbjo/idled/engine"
	"github.com/trbjo/idled/logger"
)

var lg = logger.Slog.With("component", "config")

var ErrNotFound = errors.New("config file not found")

const (
	dirName  = "idled"
	fileName = "config.toml"
	envPath  = "IDLED_CONFIG"
)

// Duration accepts either whole seconds or a time.ParseDuration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v > math.MaxInt64/int64(time.Second) {
			return fmt.Errorf("timeout %d is too long", v)
		}
		d.Duration = time.Duration(v) * time.Second
	case string:
		duration, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = duration
	default:
		return fmt.Errorf("timeout must be seconds or a duration string, got %T", v)
	}
	return nil
}

type General struct {
	LockCmd              string `toml:"lock_cmd"`
	UnlockCmd            string `toml:"unlock_cmd"`
	BeforeSleepCmd       string `toml:"before_sleep_cmd"`
	AfterSleepCmd        string `toml:"after_sleep_cmd"`
	IgnoreDbusInhibit    bool   `toml:"ignore_dbus_inhibit"`
	IgnoreSystemdInhibit bool   `toml:"ignore_systemd_inhibit"`
	IgnoreAudioInhibit   bool   `toml:"ignore_audio_inhibit"`
}

type Listener struct {
	Timeout    *Duration   `toml:"timeout"`
	Conditions []Condition `toml:"conditions"`
	OnTimeout  string      `toml:"on_timeout"`
	OnResume   string      `toml:"on_resume"`
}

type File struct {
	General   General    `toml:"general"`
	Listeners []Listener `toml:"listeners"`
}

// Path resolves the configuration file: IDLED_CONFIG, then
// $XDG_CONFIG_HOME/idled/config.toml, then ~/.config/idled/config.toml.
func Path() string {
	if p := os.Getenv(envPath); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, dirName, fileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", dirName, fileName)
	}
	return filepath.Join(home, ".config", dirName, fileName)
}

func Load(path string) (engine.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return engine.Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	lg.Debug("Loaded configuration", "path", path, "listeners", len(cfg.Listeners))
	return cfg, nil
}

// Parse decodes and validates a TOML document. Unknown keys are an error.
func Parse(data []byte) (engine.Config, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return engine.Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return engine.Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return f.engineConfig()
}

func (f File) engineConfig() (engine.Config, error) {
	cfg := engine.Config{
		Settings: engine.Settings{
			LockCmd:        f.General.LockCmd,
			UnlockCmd:      f.General.UnlockCmd,
			BeforeSleepCmd: f.General.BeforeSleepCmd,
			AfterSleepCmd:  f.General.AfterSleepCmd,
			Ignore: engine.IgnoreSet{
				Application: f.General.IgnoreDbusInhibit,
				Session:     f.General.IgnoreSystemdInhibit,
				Audio:       f.General.IgnoreAudioInhibit,
			},
		},
	}
	for i, l := range f.Listeners {
		spec, err := l.spec()
		if err != nil {
			return engine.Config{}, fmt.Errorf("listener %d: %w", i+1, err)
		}
		cfg.Listeners = append(cfg.Listeners, spec)
	}
	return cfg, nil
}

func (l Listener) spec() (engine.ListenerSpec, error) {
	if l.Timeout == nil {
		return engine.ListenerSpec{}, errors.New("timeout is required")
	}
	timeout := l.Timeout.Duration
	if timeout < 0 {
		return engine.ListenerSpec{}, fmt.Errorf("timeout must not be negative, got %s", timeout)
	}
	if timeout.Milliseconds() > math.MaxUint32 {
		return engine.ListenerSpec{}, fmt.Errorf("timeout %s is too long", timeout)
	}
	spec := engine.ListenerSpec{
		Timeout:   timeout,
		OnTimeout: l.OnTimeout,
		OnResume:  l.OnResume,
	}
	for _, c := range l.Conditions {
		spec.Conditions = append(spec.Conditions, c.Condition)
	}
	return spec, nil
}
