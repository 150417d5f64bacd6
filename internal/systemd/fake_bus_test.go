package systemd

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
)

// fakeBus is an in-memory Bus. Errors it returns are already classified, as
// the real adapter's would be.
type fakeBus struct {
	mu sync.Mutex

	units map[string]dbus.ObjectPath
	props map[dbus.ObjectPath]map[string]Properties
	jobs  map[dbus.ObjectPath]bool
	next  int

	// onStart runs after a job is registered; it may deliver a result.
	onStart  func(path dbus.ObjectPath, unit string, result chan<- string)
	startErr error

	transientProps []sddbus.Property

	listed       []sddbus.UnitStatus
	filteredErr  error
	filteredArgs []string

	canStart    string
	canStartErr error

	reloads  int
	enabled  [][]string
	disabled [][]string

	removed     chan JobRemoved
	removedErr  error
	unitChanges chan PropertiesChanged
	subscribed  int
	closed      bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		units: map[string]dbus.ObjectPath{},
		props: map[dbus.ObjectPath]map[string]Properties{},
		jobs:  map[dbus.ObjectPath]bool{},
		next:  100,
	}
}

func (f *fakeBus) addUnit(name string, unitProps, serviceProps Properties) dbus.ObjectPath {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := UnitObjectPath(name)
	f.units[name] = path
	f.props[path] = map[string]Properties{unitInterface: unitProps}
	if serviceProps != nil {
		f.props[path][serviceInterface] = serviceProps
	}
	return path
}

func (f *fakeBus) setUnitProps(name string, unitProps Properties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[f.units[name]][unitInterface] = unitProps
}

func (f *fakeBus) finishJob(path dbus.ObjectPath) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, path)
}

func (f *fakeBus) UnitPath(_ context.Context, unit string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.units[unit]
	if !ok {
		return "", apperrors.UnitNotFound(unit)
	}
	return path, nil
}

func (f *fakeBus) Properties(_ context.Context, path dbus.ObjectPath, iface string) (Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(string(path), jobPathPrefix) {
		if f.jobs[path] {
			return Properties{"State": "running"}, nil
		}
		return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownObject", "Unknown object '"+string(path)+"'.", nil)
	}
	if path == managerPath {
		return Properties{"SystemState": "running", "Version": "255", "Virtualization": ""}, nil
	}
	byIface, ok := f.props[path]
	if !ok {
		return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownObject", "no object", nil)
	}
	p, ok := byIface[iface]
	if !ok {
		return nil, apperrors.DBus("org.freedesktop.DBus.Error.UnknownInterface", "no interface "+iface, nil)
	}
	return p, nil
}

func (f *fakeBus) register(unit string, result chan<- string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	if f.startErr != nil {
		err := f.startErr
		f.mu.Unlock()
		return "", err
	}
	f.next++
	path := JobPath(f.next)
	f.jobs[path] = true
	hook := f.onStart
	f.mu.Unlock()

	if hook != nil {
		hook(path, unit, result)
	}
	return path, nil
}

func (f *fakeBus) StartJob(_ context.Context, _ JobKind, unit string, _ StartMode, result chan<- string) (dbus.ObjectPath, error) {
	return f.register(unit, result)
}

func (f *fakeBus) StartTransientUnit(_ context.Context, name string, _ StartMode, props []sddbus.Property, result chan<- string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	f.transientProps = props
	f.mu.Unlock()
	return f.register(name, result)
}

func (f *fakeBus) ListUnits(context.Context) ([]sddbus.UnitStatus, error) {
	return f.listed, nil
}

func (f *fakeBus) ListUnitsFiltered(_ context.Context, states []string) ([]sddbus.UnitStatus, error) {
	f.filteredArgs = states
	if f.filteredErr != nil {
		return nil, f.filteredErr
	}
	var out []sddbus.UnitStatus
	for _, u := range f.listed {
		for _, s := range states {
			if u.LoadState == s || u.ActiveState == s || u.SubState == s {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBus) CanStartUnit(context.Context, string, StartMode) (string, error) {
	return f.canStart, f.canStartErr
}

func (f *fakeBus) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeBus) EnableUnitFiles(_ context.Context, files []string, _, _ bool) (bool, []sddbus.EnableUnitFileChange, error) {
	f.enabled = append(f.enabled, files)
	changes := make([]sddbus.EnableUnitFileChange, 0, len(files))
	for _, file := range files {
		changes = append(changes, sddbus.EnableUnitFileChange{
			Type:        "symlink",
			Filename:    "/etc/systemd/system/multi-user.target.wants/" + file,
			Destination: "/etc/systemd/system/" + file,
		})
	}
	return true, changes, nil
}

func (f *fakeBus) DisableUnitFiles(_ context.Context, files []string, _ bool) ([]sddbus.DisableUnitFileChange, error) {
	f.disabled = append(f.disabled, files)
	changes := make([]sddbus.DisableUnitFileChange, 0, len(files))
	for _, file := range files {
		changes = append(changes, sddbus.DisableUnitFileChange{
			Type:     "unlink",
			Filename: "/etc/systemd/system/multi-user.target.wants/" + file,
		})
	}
	return changes, nil
}

func (f *fakeBus) SubscribeJobRemoved(context.Context) (*Subscription[JobRemoved], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removedErr != nil {
		return nil, f.removedErr
	}
	f.subscribed++
	if f.removed == nil {
		f.removed = make(chan JobRemoved, 16)
	}
	return NewSubscription[JobRemoved](f.removed, nil), nil
}

func (f *fakeBus) SubscribeUnitChanges(context.Context, dbus.ObjectPath) (*Subscription[PropertiesChanged], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed++
	if f.unitChanges == nil {
		f.unitChanges = make(chan PropertiesChanged, 16)
	}
	return NewSubscription[PropertiesChanged](f.unitChanges, nil), nil
}

func (f *fakeBus) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// fakeJournal returns canned results and records the last filter.
type fakeJournal struct {
	mu     sync.Mutex
	result *journal.Result
	err    error
	last   journal.Filter
	calls  int
}

func (j *fakeJournal) Name() string { return "fake" }

func (j *fakeJournal) Query(_ context.Context, filter journal.Filter) (*journal.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	j.last = filter
	if j.err != nil {
		return nil, j.err
	}
	if j.result == nil {
		return &journal.Result{Entries: []journal.Entry{}}, nil
	}
	return j.result, nil
}

func newTestClient(t *testing.T, bus *fakeBus) (*Client, *fakeJournal) {
	t.Helper()
	jb := &fakeJournal{}
	c := New(bus, jb, Options{
		JobPollInitial: 10 * time.Millisecond,
		JobPollMax:     40 * time.Millisecond,
		SystemDir:      t.TempDir(),
	}, WithJitter(func(string) JitterSource { return NewJitter(0) }))
	return c, jb
}

func activeUnit(name string) Properties {
	return Properties{
		"Id":          name,
		"Description": "test unit",
		"LoadState":   "loaded",
		"ActiveState": "active",
		"SubState":    "running",
		"Result":      "success",
	}
}

func unitWithState(name, load, active, sub string) Properties {
	return Properties{"Id": name, "LoadState": load, "ActiveState": active, "SubState": sub}
}
