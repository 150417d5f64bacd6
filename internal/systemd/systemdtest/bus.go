// Package systemdtest provides an in-memory systemd.Bus for tests of the
// packages layered on top of the systemd client.
package systemdtest

import (
	"context"
	"strings"
	"sync"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/systemd"
)

const (
	unitIface    = "org.freedesktop.systemd1.Unit"
	serviceIface = "org.freedesktop.systemd1.Service"
	managerPath  = "/org/freedesktop/systemd1"
	jobPrefix    = "/org/freedesktop/systemd1/job/"
)

// JobCall records one StartJob request.
type JobCall struct {
	Kind systemd.JobKind
	Unit string
	Mode systemd.StartMode
}

// TransientCall records one StartTransientUnit request.
type TransientCall struct {
	Name  string
	Props []sddbus.Property
}

// Bus is a fake systemd.Bus. Jobs finish as soon as they are enqueued; the
// OnJob hook may rewrite unit state first. All exported fields may be set
// before the bus is handed to a client.
type Bus struct {
	mu sync.Mutex

	unitProps    map[string]systemd.Properties
	serviceProps map[string]systemd.Properties
	paths        map[dbus.ObjectPath]string
	next         int

	Listed   []sddbus.UnitStatus
	CanStart string
	StartErr error
	// OnJob runs for every enqueued job and transient unit before the
	// start call returns.
	OnJob func(b *Bus, unit string)

	Jobs      []JobCall
	Transient []TransientCall
	Reloads   int

	// Changes feeds every unit change subscription.
	Changes chan systemd.PropertiesChanged
}

// NewBus returns an empty fake bus.
func NewBus() *Bus {
	return &Bus{
		unitProps:    map[string]systemd.Properties{},
		serviceProps: map[string]systemd.Properties{},
		paths:        map[dbus.ObjectPath]string{},
		next:         1,
		CanStart:     "yes",
		Changes:      make(chan systemd.PropertiesChanged, 16),
	}
}

// Unit returns a Unit property set with the given states.
func Unit(name, load, active, sub string) systemd.Properties {
	return systemd.Properties{
		"Id":          name,
		"Description": name,
		"LoadState":   load,
		"ActiveState": active,
		"SubState":    sub,
	}
}

// SetUnit registers or replaces unit. A nil service set makes the unit a
// non-service unit.
func (b *Bus) SetUnit(name string, unit, service systemd.Properties) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unitProps[name] = unit
	if service != nil {
		b.serviceProps[name] = service
	} else {
		delete(b.serviceProps, name)
	}
	b.paths[systemd.UnitObjectPath(name)] = name
}

// JobCalls returns a copy of the recorded job requests.
func (b *Bus) JobCalls() []JobCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]JobCall(nil), b.Jobs...)
}

// TransientCalls returns a copy of the recorded transient unit requests.
func (b *Bus) TransientCalls() []TransientCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TransientCall(nil), b.Transient...)
}

// UnitPath implements systemd.Bus.
func (b *Bus) UnitPath(_ context.Context, unit string) (dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.unitProps[unit]; !ok {
		return "", apperrors.UnitNotFound(unit)
	}
	return systemd.UnitObjectPath(unit), nil
}

// Properties implements systemd.Bus.
func (b *Bus) Properties(_ context.Context, path dbus.ObjectPath, iface string) (systemd.Properties, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case strings.HasPrefix(string(path), jobPrefix):
		return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownObject", "Unknown object '"+string(path)+"'.", nil)
	case path == managerPath:
		return systemd.Properties{"SystemState": "running", "Version": "255", "Virtualization": "kvm"}, nil
	}

	name, ok := b.paths[path]
	if !ok {
		return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownObject", "no object", nil)
	}
	var props systemd.Properties
	switch iface {
	case unitIface:
		props = b.unitProps[name]
	case serviceIface:
		props, ok = b.serviceProps[name]
		if !ok {
			return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownInterface", "no interface "+iface, nil)
		}
	default:
		return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownInterface", "no interface "+iface, nil)
	}
	out := make(systemd.Properties, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out, nil
}

func (b *Bus) enqueue(unit string) (dbus.ObjectPath, error) {
	b.mu.Lock()
	if b.StartErr != nil {
		err := b.StartErr
		b.mu.Unlock()
		return "", err
	}
	b.next++
	path := systemd.JobPath(b.next)
	hook := b.OnJob
	b.mu.Unlock()

	if hook != nil {
		hook(b, unit)
	}
	return path, nil
}

// StartJob implements systemd.Bus.
func (b *Bus) StartJob(_ context.Context, kind systemd.JobKind, unit string, mode systemd.StartMode, _ chan<- string) (dbus.ObjectPath, error) {
	b.mu.Lock()
	b.Jobs = append(b.Jobs, JobCall{Kind: kind, Unit: unit, Mode: mode})
	b.mu.Unlock()
	return b.enqueue(unit)
}

// StartTransientUnit implements systemd.Bus.
func (b *Bus) StartTransientUnit(_ context.Context, name string, _ systemd.StartMode, props []sddbus.Property, _ chan<- string) (dbus.ObjectPath, error) {
	b.mu.Lock()
	b.Transient = append(b.Transient, TransientCall{Name: name, Props: props})
	b.mu.Unlock()
	return b.enqueue(name)
}

// ListUnits implements systemd.Bus.
func (b *Bus) ListUnits(context.Context) ([]sddbus.UnitStatus, error) {
	return b.Listed, nil
}

// ListUnitsFiltered implements systemd.Bus.
func (b *Bus) ListUnitsFiltered(_ context.Context, states []string) ([]sddbus.UnitStatus, error) {
	var out []sddbus.UnitStatus
	for _, u := range b.Listed {
		for _, s := range states {
			if u.LoadState == s || u.ActiveState == s || u.SubState == s {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

// CanStartUnit implements systemd.Bus.
func (b *Bus) CanStartUnit(context.Context, string, systemd.StartMode) (string, error) {
	return b.CanStart, nil
}

// Reload implements systemd.Bus.
func (b *Bus) Reload(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Reloads++
	return nil
}

// EnableUnitFiles implements systemd.Bus.
func (b *Bus) EnableUnitFiles(context.Context, []string, bool, bool) (bool, []sddbus.EnableUnitFileChange, error) {
	return false, nil, nil
}

// DisableUnitFiles implements systemd.Bus.
func (b *Bus) DisableUnitFiles(context.Context, []string, bool) ([]sddbus.DisableUnitFileChange, error) {
	return nil, nil
}

// SubscribeJobRemoved implements systemd.Bus. The stream never yields;
// jobs are observed as vanished instead.
func (b *Bus) SubscribeJobRemoved(context.Context) (*systemd.Subscription[systemd.JobRemoved], error) {
	return systemd.NewSubscription[systemd.JobRemoved](make(chan systemd.JobRemoved), nil), nil
}

// SubscribeUnitChanges implements systemd.Bus.
func (b *Bus) SubscribeUnitChanges(context.Context, dbus.ObjectPath) (*systemd.Subscription[systemd.PropertiesChanged], error) {
	return systemd.NewSubscription[systemd.PropertiesChanged](b.Changes, nil), nil
}

// Close implements systemd.Bus.
func (b *Bus) Close() {}

// Journal is a fake journal.Backend returning Result for every query.
type Journal struct {
	mu     sync.Mutex
	Result *journal.Result
	Err    error
	Last   journal.Filter
}

// Name implements journal.Backend.
func (j *Journal) Name() string { return "fake" }

// Query implements journal.Backend.
func (j *Journal) Query(_ context.Context, filter journal.Filter) (*journal.Result, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Last = filter
	if j.Err != nil {
		return nil, j.Err
	}
	if j.Result == nil {
		return &journal.Result{Entries: []journal.Entry{}}, nil
	}
	return j.Result, nil
}

// LastFilter returns the filter of the most recent query.
func (j *Journal) LastFilter() journal.Filter {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Last
}

// NewClient builds a client over bus and jb with a private system dir.
func NewClient(bus *Bus, jb *Journal, systemDir string) *systemd.Client {
	return systemd.New(bus, jb, systemd.Options{SystemDir: systemDir},
		systemd.WithJitter(func(string) systemd.JitterSource { return systemd.NewJitter(0) }))
}
