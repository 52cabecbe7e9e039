package engine

import (
	"errors"
	"math"
	"slices"
	"strconv"
)

var ErrCookiesExhausted = errors.New("inhibitor cookies exhausted")

type InhibitorSource int

const (
	SourceApplication InhibitorSource = iota
	SourceSession
	SourceAudio
)

func (s InhibitorSource) String() string {
	switch s {
	case SourceApplication:
		return "dbus"
	case SourceSession:
		return "systemd"
	case SourceAudio:
		return "audio"
	default:
		return strconv.Itoa(int(s))
	}
}

// Inhibitor is one application request received over the ScreenSaver API.
type Inhibitor struct {
	Cookie  uint32
	AppName string
	Reason  string
	Owner   string
}

// IgnoreSet selects inhibitor sources that never count towards inhibition.
type IgnoreSet struct {
	Application bool
	Session     bool
	Audio       bool
}

type InhibitorRegistry struct {
	lastCookie uint32
	entries    []Inhibitor
	session    bool
	audio      bool
	ignore     IgnoreSet
}

func NewInhibitorRegistry(ignore IgnoreSet) *InhibitorRegistry {
	return &InhibitorRegistry{ignore: ignore}
}

// Inhibit registers a new application inhibitor. rising is true when the
// registry was empty before.
func (r *InhibitorRegistry) Inhibit(appName, reason, owner string) (cookie uint32, rising bool, err error) {
	if r.lastCookie == math.MaxUint32 {
		return 0, false, ErrCookiesExhausted
	}
	r.lastCookie++
	rising = len(r.entries) == 0
	r.entries = append(r.entries, Inhibitor{
		Cookie:  r.lastCookie,
		AppName: appName,
		Reason:  reason,
		Owner:   owner,
	})
	return r.lastCookie, rising, nil
}

// UnInhibit removes the entry with cookie. Unknown cookies are ignored.
// falling is true when the removal emptied the registry.
func (r *InhibitorRegistry) UnInhibit(cookie uint32) (removed Inhibitor, ok bool, falling bool) {
	idx := slices.IndexFunc(r.entries, func(i Inhibitor) bool { return i.Cookie == cookie })
	if idx < 0 {
		return Inhibitor{}, false, false
	}
	removed = r.entries[idx]
	r.entries = slices.Delete(r.entries, idx, idx+1)
	return removed, true, len(r.entries) == 0
}

// OwnerDisconnected drops every entry held by owner.
func (r *InhibitorRegistry) OwnerDisconnected(owner string) (removed []Inhibitor, falling bool) {
	if len(r.entries) == 0 {
		return nil, false
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Owner == owner {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(r.entries[len(kept):])
	r.entries = kept
	return removed, len(removed) > 0 && len(kept) == 0
}

// SetFlag sets the session or audio flag. It reports whether the combined
// inhibited value changed.
func (r *InhibitorRegistry) SetFlag(source InhibitorSource, active bool) bool {
	before := r.Inhibited()
	switch source {
	case SourceSession:
		r.session = active
	case SourceAudio:
		r.audio = active
	default:
		return false
	}
	return before != r.Inhibited()
}

func (r *InhibitorRegistry) SetIgnore(ignore IgnoreSet) bool {
	before := r.Inhibited()
	r.ignore = ignore
	return before != r.Inhibited()
}

func (r *InhibitorRegistry) Inhibited() bool {
	return (!r.ignore.Application && len(r.entries) > 0) ||
		(!r.ignore.Session && r.session) ||
		(!r.ignore.Audio && r.audio)
}

func (r *InhibitorRegistry) Active(source InhibitorSource) bool {
	switch source {
	case SourceApplication:
		return len(r.entries) > 0
	case SourceSession:
		return r.session
	case SourceAudio:
		return r.audio
	default:
		return false
	}
}

func (r *InhibitorRegistry) Entries() []Inhibitor {
	return slices.Clone(r.entries)
}
