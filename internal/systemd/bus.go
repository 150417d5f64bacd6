package systemd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/logger"
)

const (
	systemdDest      = "org.freedesktop.systemd1"
	managerPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerInterface = "org.freedesktop.systemd1.Manager"
	unitInterface    = "org.freedesktop.systemd1.Unit"
	serviceInterface = "org.freedesktop.systemd1.Service"
	jobInterface     = "org.freedesktop.systemd1.Job"
	propsInterface   = "org.freedesktop.DBus.Properties"

	jobPathPrefix  = "/org/freedesktop/systemd1/job/"
	unitPathPrefix = "/org/freedesktop/systemd1/unit/"

	// DefaultCallTimeout bounds every method call on the bus.
	DefaultCallTimeout = 5 * time.Second
)

// JobRemoved is the decoded Manager.JobRemoved signal.
type JobRemoved struct {
	ID     uint32
	Job    dbus.ObjectPath
	Unit   string
	Result string
}

// PropertiesChanged is the decoded Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	Interface   string
	Changed     Properties
	Invalidated []string
}

// Subscription is a stream of decoded signals. C is closed when the
// underlying connection goes away or after Close.
type Subscription[T any] struct {
	C <-chan T

	once sync.Once
	stop func()
}

// NewSubscription wraps a channel and its teardown.
func NewSubscription[T any](c <-chan T, stop func()) *Subscription[T] {
	return &Subscription[T]{C: c, stop: stop}
}

// Close tears the subscription down. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Bus is the client's only path to the service manager. Implementations
// return *apperrors.Error values classified by mapCallError.
type Bus interface {
	// UnitPath resolves a loaded unit to its object path (Manager.GetUnit).
	UnitPath(ctx context.Context, unit string) (dbus.ObjectPath, error)
	// Properties reads every property of iface on the object at path.
	Properties(ctx context.Context, path dbus.ObjectPath, iface string) (Properties, error)

	// StartJob enqueues a start/stop/restart/reload job. The job result is
	// delivered on result, which must be buffered.
	StartJob(ctx context.Context, kind JobKind, unit string, mode StartMode, result chan<- string) (dbus.ObjectPath, error)
	// StartTransientUnit creates and starts a transient unit.
	StartTransientUnit(ctx context.Context, name string, mode StartMode, props []sddbus.Property, result chan<- string) (dbus.ObjectPath, error)

	ListUnits(ctx context.Context) ([]sddbus.UnitStatus, error)
	ListUnitsFiltered(ctx context.Context, states []string) ([]sddbus.UnitStatus, error)
	// CanStartUnit asks the manager whether the caller may start unit. Managers
	// that predate the mode argument are retried without it.
	CanStartUnit(ctx context.Context, unit string, mode StartMode) (string, error)
	Reload(ctx context.Context) error
	EnableUnitFiles(ctx context.Context, files []string, runtime, force bool) (bool, []sddbus.EnableUnitFileChange, error)
	DisableUnitFiles(ctx context.Context, files []string, runtime bool) ([]sddbus.DisableUnitFileChange, error)

	// SubscribeJobRemoved opens an independent JobRemoved stream.
	SubscribeJobRemoved(ctx context.Context) (*Subscription[JobRemoved], error)
	// SubscribeUnitChanges opens a PropertiesChanged stream for the Unit
	// interface of the object at unitPath.
	SubscribeUnitChanges(ctx context.Context, unitPath dbus.ObjectPath) (*Subscription[PropertiesChanged], error)

	Close()
}

// DBusBus implements Bus over the system bus. Typed manager calls go through
// go-systemd; GetAll, GetUnit, CanStartUnit and signal matches use a private
// godbus connection.
type DBusBus struct {
	sd          *sddbus.Conn
	raw         *dbus.Conn
	callTimeout time.Duration
	log         *zap.SugaredLogger
}

// Dial connects to the system bus.
func Dial(ctx context.Context, callTimeout time.Duration) (*DBusBus, error) {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sd, err := sddbus.NewSystemConnectionContext(dctx)
	if err != nil {
		return nil, apperrors.BackendUnavailable("system_bus", err.Error())
	}
	raw, err := dbus.ConnectSystemBus()
	if err != nil {
		sd.Close()
		return nil, apperrors.BackendUnavailable("system_bus", err.Error())
	}

	return &DBusBus{
		sd:          sd,
		raw:         raw,
		callTimeout: callTimeout,
		log:         logger.For("systemd.bus"),
	}, nil
}

// Close releases both connections.
func (b *DBusBus) Close() {
	b.sd.Close()
	_ = b.raw.Close()
}

func (b *DBusBus) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.callTimeout)
}

func (b *DBusBus) manager() dbus.BusObject {
	return b.raw.Object(systemdDest, managerPath)
}

// UnitPath implements Bus.
func (b *DBusBus) UnitPath(ctx context.Context, unit string) (dbus.ObjectPath, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var path dbus.ObjectPath
	err := b.manager().CallWithContext(cctx, managerInterface+".GetUnit", 0, unit).Store(&path)
	if err != nil {
		return "", mapCallError("get_unit", unit, b.callTimeout, err)
	}
	return path, nil
}

// Properties implements Bus.
func (b *DBusBus) Properties(ctx context.Context, path dbus.ObjectPath, iface string) (Properties, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var raw map[string]dbus.Variant
	err := b.raw.Object(systemdDest, path).
		CallWithContext(cctx, propsInterface+".GetAll", 0, iface).
		Store(&raw)
	if err != nil {
		return nil, mapCallError("get_all_properties", "", b.callTimeout, err)
	}

	props := make(Properties, len(raw))
	for k, v := range raw {
		props[k] = v.Value()
	}
	return props, nil
}

// StartJob implements Bus.
func (b *DBusBus) StartJob(ctx context.Context, kind JobKind, unit string, mode StartMode, result chan<- string) (dbus.ObjectPath, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var (
		id  int
		err error
	)
	switch kind {
	case JobStart:
		id, err = b.sd.StartUnitContext(cctx, unit, string(mode), result)
	case JobStop:
		id, err = b.sd.StopUnitContext(cctx, unit, string(mode), result)
	case JobRestart:
		id, err = b.sd.RestartUnitContext(cctx, unit, string(mode), result)
	case JobReload:
		id, err = b.sd.ReloadUnitContext(cctx, unit, string(mode), result)
	default:
		return "", apperrors.InvalidInput("unknown job kind %q", kind)
	}
	if err != nil {
		return "", mapCallError(string(kind)+"_unit", unit, b.callTimeout, err)
	}
	return JobPath(id), nil
}

// StartTransientUnit implements Bus.
func (b *DBusBus) StartTransientUnit(ctx context.Context, name string, mode StartMode, props []sddbus.Property, result chan<- string) (dbus.ObjectPath, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	id, err := b.sd.StartTransientUnitContext(cctx, name, string(mode), props, result)
	if err != nil {
		return "", mapCallError("run_task", name, b.callTimeout, err)
	}
	return JobPath(id), nil
}

// ListUnits implements Bus.
func (b *DBusBus) ListUnits(ctx context.Context) ([]sddbus.UnitStatus, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	units, err := b.sd.ListUnitsContext(cctx)
	if err != nil {
		return nil, mapCallError("list_units", "", b.callTimeout, err)
	}
	return units, nil
}

// ListUnitsFiltered implements Bus.
func (b *DBusBus) ListUnitsFiltered(ctx context.Context, states []string) ([]sddbus.UnitStatus, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	units, err := b.sd.ListUnitsFilteredContext(cctx, states)
	if err != nil {
		return nil, mapCallError("list_units_filtered", "", b.callTimeout, err)
	}
	return units, nil
}

// CanStartUnit implements Bus.
func (b *DBusBus) CanStartUnit(ctx context.Context, unit string, mode StartMode) (string, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var answer string
	err := b.manager().CallWithContext(cctx, managerInterface+".CanStartUnit", 0, unit, string(mode)).Store(&answer)
	if err != nil && strings.Contains(dbusErrorName(err), "InvalidArgs") {
		b.log.Debugw("CanStartUnit rejected mode argument, retrying without it", "unit", unit)
		err = b.manager().CallWithContext(cctx, managerInterface+".CanStartUnit", 0, unit).Store(&answer)
	}
	if err != nil {
		return "", mapCallError("can_start_unit", unit, b.callTimeout, err)
	}
	return answer, nil
}

// Reload implements Bus.
func (b *DBusBus) Reload(ctx context.Context) error {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if err := b.sd.ReloadContext(cctx); err != nil {
		return mapCallError("daemon_reload", "", b.callTimeout, err)
	}
	return nil
}

// EnableUnitFiles implements Bus.
func (b *DBusBus) EnableUnitFiles(ctx context.Context, files []string, runtime, force bool) (bool, []sddbus.EnableUnitFileChange, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	carries, changes, err := b.sd.EnableUnitFilesContext(cctx, files, runtime, force)
	if err != nil {
		return false, nil, mapCallError("enable_unit_files", firstOf(files), b.callTimeout, err)
	}
	return carries, changes, nil
}

// DisableUnitFiles implements Bus.
func (b *DBusBus) DisableUnitFiles(ctx context.Context, files []string, runtime bool) ([]sddbus.DisableUnitFileChange, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	changes, err := b.sd.DisableUnitFilesContext(cctx, files, runtime)
	if err != nil {
		return nil, mapCallError("disable_unit_files", firstOf(files), b.callTimeout, err)
	}
	return changes, nil
}

// SubscribeJobRemoved implements Bus. Each subscriber gets its own channel
// on the shared connection and filters the broadcast itself.
func (b *DBusBus) SubscribeJobRemoved(ctx context.Context) (*Subscription[JobRemoved], error) {
	rule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='%s',member='JobRemoved'",
		systemdDest, managerPath, managerInterface)
	if err := b.addMatch(ctx, b.raw, rule); err != nil {
		return nil, err
	}

	signals := make(chan *dbus.Signal, 16)
	b.raw.Signal(signals)

	out := make(chan JobRemoved, 16)
	done := make(chan struct{})
	go pump[JobRemoved](signals, out, done, decodeJobRemoved)

	return NewSubscription[JobRemoved](out, func() {
		close(done)
		b.raw.RemoveSignal(signals)
		if err := b.removeMatch(b.raw, rule); err != nil {
			b.log.Debugw("failed to remove JobRemoved match", "error", err)
		}
	}), nil
}

// SubscribeUnitChanges implements Bus. Every watch owns a private
// connection, so watchers never share a signal channel.
func (b *DBusBus) SubscribeUnitChanges(ctx context.Context, unitPath dbus.ObjectPath) (*Subscription[PropertiesChanged], error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, apperrors.BackendUnavailable("system_bus", err.Error())
	}

	rule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='%s',member='PropertiesChanged',arg0='%s'",
		systemdDest, unitPath, propsInterface, unitInterface)
	if err := b.addMatch(ctx, conn, rule); err != nil {
		_ = conn.Close()
		return nil, err
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	out := make(chan PropertiesChanged, 16)
	done := make(chan struct{})
	go pump[PropertiesChanged](signals, out, done, func(sig *dbus.Signal) (PropertiesChanged, bool) {
		if sig.Path != unitPath {
			return PropertiesChanged{}, false
		}
		return decodePropertiesChanged(sig)
	})

	return NewSubscription[PropertiesChanged](out, func() {
		close(done)
		conn.RemoveSignal(signals)
		_ = conn.Close()
	}), nil
}

func (b *DBusBus) addMatch(ctx context.Context, conn *dbus.Conn, rule string) error {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if err := conn.BusObject().CallWithContext(cctx, "org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return mapCallError("add_match", "", b.callTimeout, err)
	}
	return nil
}

func (b *DBusBus) removeMatch(conn *dbus.Conn, rule string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.callTimeout)
	defer cancel()
	return conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.RemoveMatch", 0, rule).Err
}

// pump decodes raw signals into out until the source closes or done fires.
func pump[T any](in <-chan *dbus.Signal, out chan<- T, done <-chan struct{}, decode func(*dbus.Signal) (T, bool)) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case sig, ok := <-in:
			if !ok {
				return
			}
			v, ok := decode(sig)
			if !ok {
				continue
			}
			select {
			case out <- v:
			case <-done:
				return
			}
		}
	}
}

func decodeJobRemoved(sig *dbus.Signal) (JobRemoved, bool) {
	if sig == nil || sig.Name != managerInterface+".JobRemoved" || len(sig.Body) != 4 {
		return JobRemoved{}, false
	}
	id, ok1 := sig.Body[0].(uint32)
	job, ok2 := sig.Body[1].(dbus.ObjectPath)
	unit, ok3 := sig.Body[2].(string)
	result, ok4 := sig.Body[3].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return JobRemoved{}, false
	}
	return JobRemoved{ID: id, Job: job, Unit: unit, Result: result}, true
}

func decodePropertiesChanged(sig *dbus.Signal) (PropertiesChanged, bool) {
	if sig == nil || sig.Name != propsInterface+".PropertiesChanged" || len(sig.Body) < 2 {
		return PropertiesChanged{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return PropertiesChanged{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertiesChanged{}, false
	}

	ev := PropertiesChanged{Interface: iface, Changed: make(Properties, len(changed))}
	for k, v := range changed {
		ev.Changed[k] = v.Value()
	}
	if len(sig.Body) > 2 {
		if inv, ok := sig.Body[2].([]string); ok {
			ev.Invalidated = inv
		}
	}
	return ev, true
}

// JobPath returns the object path of the job with the given id.
func JobPath(id int) dbus.ObjectPath {
	return dbus.ObjectPath(jobPathPrefix + strconv.Itoa(id))
}

// UnitObjectPath returns the object path systemd uses for unit.
func UnitObjectPath(unit string) dbus.ObjectPath {
	return dbus.ObjectPath(unitPathPrefix + sddbus.PathBusEscape(unit))
}

// mapCallError is the single place where bus errors are reclassified. The
// name substrings are upstream conventions; anything unrecognized stays a
// DBus error carrying the raw name and message.
func mapCallError(action, unit string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Timeout(action, timeout)
	}

	name, message, ok := dbusError(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return apperrors.IO("dbus "+action+" canceled", err)
		}
		return apperrors.IO("dbus "+action, err)
	}

	switch {
	case unit != "" && (strings.Contains(name, "NoSuchUnit") || strings.Contains(name, "UnknownUnit")):
		return apperrors.UnitNotFound(unit)
	case strings.Contains(name, "AccessDenied"),
		strings.Contains(name, "PermissionDenied"),
		strings.Contains(name, "PolicyKit"),
		strings.Contains(name, "InteractiveAuthorizationRequired"):
		return apperrors.PermissionDenied(action, name+": "+message)
	case strings.HasSuffix(name, ".NoReply"), strings.HasSuffix(name, ".Timeout"), strings.HasSuffix(name, ".TimedOut"):
		return apperrors.Timeout(action, timeout)
	default:
		return apperrors.DBus(name, message, err)
	}
}

// dbusError extracts the remote error name and first string argument.
func dbusError(err error) (name, message string, ok bool) {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name, errorBody(e.Body), true
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name, errorBody(pe.Body), true
	}
	return "", "", false
}

func errorBody(body []any) string {
	if len(body) == 0 {
		return ""
	}
	if s, ok := body[0].(string); ok {
		return s
	}
	return fmt.Sprint(body[0])
}

// dbusErrorName returns the remote error name of err, whether raw or
// already classified.
func dbusErrorName(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Kind == apperrors.KindDBus {
		return appErr.Name
	}
	name, _, _ := dbusError(err)
	return name
}

func firstOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
