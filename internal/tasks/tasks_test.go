package tasks

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngenohkevin/unitbus/config"
	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/systemd/systemdtest"
)

var unitNamePattern = regexp.MustCompile(`^unitbus-(?:[A-Za-z0-9_-]+-)?\d+-[0-9a-f]{16}\.service$`)

// exitedWith makes every transient unit finish with the given exec status.
func exitedWith(code, status int32) func(*systemdtest.Bus, string) {
	return func(b *systemdtest.Bus, unit string) {
		b.SetUnit(unit, systemdtest.Unit(unit, "loaded", "inactive", "dead"), systemd.Properties{
			"ExecMainCode":   code,
			"ExecMainStatus": status,
		})
	}
}

func newRunner(t *testing.T, bus *systemdtest.Bus) *Runner {
	t.Helper()
	client := systemdtest.NewClient(bus, &systemdtest.Journal{}, t.TempDir())
	return NewRunner(client, config.DefaultTasks())
}

func propMap(props []sddbus.Property) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for _, p := range props {
		out[p.Name] = p.Value.Value()
	}
	return out
}

func TestRun_ExitStatus(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.OnJob = exitedWith(cldExited, 0)
	r := newRunner(t, bus)

	wd := "/srv"
	h, err := r.Run(context.Background(), Spec{
		Argv:             []string{"/bin/echo", "hello"},
		Env:              map[string]string{"B": "2", "A": "1"},
		WorkingDirectory: &wd,
		Timeout:          1500 * time.Millisecond,
		NameHint:         "demo",
	})
	require.NoError(t, err)
	assert.Regexp(t, unitNamePattern, h.Unit)
	assert.True(t, strings.HasPrefix(h.Unit, "unitbus-demo-"))
	assert.NotEmpty(t, h.JobPath)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.Unit, res.Unit)
	require.NotNil(t, res.ExitStatus)
	assert.Equal(t, int32(0), *res.ExitStatus)
	assert.Nil(t, res.Signal)
	assert.True(t, res.Succeeded())
	assert.Equal(t, systemd.ActiveStateInactive, res.Status.ActiveState)

	calls := bus.TransientCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, h.Unit, calls[0].Name)

	props := propMap(calls[0].Props)
	assert.Equal(t, "oneshot", props["Type"])
	assert.Equal(t, "/srv", props["WorkingDirectory"])
	assert.Equal(t, []string{"A=1", "B=2"}, props["Environment"])
	assert.Equal(t, uint64(1500000), props["TimeoutStartUSec"])
	assert.Equal(t, "journal", props["StandardOutput"])
	assert.Equal(t, "journal", props["StandardError"])
	assert.Contains(t, props, "ExecStart")
}

func TestRun_Signal(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.OnJob = exitedWith(cldKilled, 9)
	r := newRunner(t, bus)

	h, err := r.Run(context.Background(), Spec{Argv: []string{"/bin/sleep", "100"}, Timeout: time.Second})
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.ExitStatus)
	require.NotNil(t, res.Signal)
	assert.Equal(t, int32(9), *res.Signal)
	assert.False(t, res.Succeeded())
}

func TestHandle_WaitOutlastsUnitTimeout(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.OnJob = exitedWith(cldKilled, 15)
	r := newRunner(t, bus)

	h, err := r.Run(context.Background(), Spec{Argv: []string{"/bin/sleep", "100"}, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second+WaitGrace, h.WaitTimeout())

	props := propMap(bus.TransientCalls()[0].Props)
	assert.Equal(t, uint64(2*time.Second/time.Microsecond), props["TimeoutStartUSec"])
	assert.Less(t, time.Duration(props["TimeoutStartUSec"].(uint64))*time.Microsecond, h.WaitTimeout())

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Signal)
	assert.Equal(t, int32(15), *res.Signal)
}

func TestRun_OmitsOptionalProperties(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.OnJob = exitedWith(cldExited, 0)
	r := newRunner(t, bus)

	_, err := r.Run(context.Background(), Spec{Argv: []string{"/bin/true"}, Timeout: time.Second})
	require.NoError(t, err)

	props := propMap(bus.TransientCalls()[0].Props)
	assert.NotContains(t, props, "WorkingDirectory")
	assert.NotContains(t, props, "Environment")
}

func TestRun_Validation(t *testing.T) {
	bus := systemdtest.NewBus()
	r := newRunner(t, bus)
	wd := "/tmp\nx"

	tests := []struct {
		name string
		spec Spec
	}{
		{"empty argv", Spec{Timeout: time.Second}},
		{"blank argv0", Spec{Argv: []string{"  ", "x"}, Timeout: time.Second}},
		{"control in argv", Spec{Argv: []string{"/bin/echo", "a\x00b"}, Timeout: time.Second}},
		{"bad env key", Spec{Argv: []string{"/bin/true"}, Env: map[string]string{"A=B": "1"}, Timeout: time.Second}},
		{"empty env key", Spec{Argv: []string{"/bin/true"}, Env: map[string]string{"": "1"}, Timeout: time.Second}},
		{"bad env value", Spec{Argv: []string{"/bin/true"}, Env: map[string]string{"A": "x\ny"}, Timeout: time.Second}},
		{"bad workdir", Spec{Argv: []string{"/bin/true"}, WorkingDirectory: &wd, Timeout: time.Second}},
		{"bad hint", Spec{Argv: []string{"/bin/true"}, NameHint: "a\tb", Timeout: time.Second}},
		{"zero timeout", Spec{Argv: []string{"/bin/true"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), tt.spec)
			assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput), "got %v", err)
		})
	}
	assert.Empty(t, bus.TransientCalls())
}

func TestRun_StartError(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.StartErr = apperrors.PermissionDenied("run_task", "org.freedesktop.DBus.Error.AccessDenied: denied")
	r := newRunner(t, bus)

	_, err := r.Run(context.Background(), Spec{Argv: []string{"/bin/true"}, Timeout: time.Second})
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
}

func TestWaitFor_RejectsZeroTimeout(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.OnJob = exitedWith(cldExited, 0)
	r := newRunner(t, bus)

	h, err := r.Run(context.Background(), Spec{Argv: []string{"/bin/true"}, Timeout: time.Second})
	require.NoError(t, err)
	_, err = h.WaitFor(context.Background(), 0)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestRunPreset(t *testing.T) {
	bus := systemdtest.NewBus()
	bus.OnJob = exitedWith(cldExited, 3)
	r := newRunner(t, bus)

	h, err := r.RunPreset(context.Background(), "df")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.Unit, "unitbus-df-"))

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), *res.ExitStatus)

	props := propMap(bus.TransientCalls()[0].Props)
	assert.Equal(t, uint64(30*time.Second/time.Microsecond), props["TimeoutStartUSec"])

	_, err = r.RunPreset(context.Background(), "missing")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestCatalog(t *testing.T) {
	r := NewRunner(nil, map[string]config.Task{
		"b": {Name: "b", Argv: []string{"/bin/b"}},
		"a": {Name: "a", Argv: []string{"/bin/a"}, Dangerous: true, Timeout: time.Second},
	})

	list := r.List()
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "a", list.Tasks[0].Name)
	assert.Equal(t, time.Second, list.Tasks[0].Timeout)
	assert.Equal(t, DefaultPresetTimeout, list.Tasks[1].Timeout)

	task, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/b"}, task.Argv)
	_, err = r.Get("c")
	assert.Error(t, err)

	assert.True(t, r.Exists("a"))
	assert.False(t, r.Exists("c"))
	assert.True(t, r.IsDangerous("a"))
	assert.False(t, r.IsDangerous("b"))
	assert.True(t, r.IsDangerous("c"))

	assert.Equal(t, 0, NewRunner(nil, nil).List().Total)
}

func TestUnitName(t *testing.T) {
	assert.Equal(t,
		"unitbus-1700000000000-"+nonceHex(1700000000000, 0, 42)+".service",
		unitName("", 1700000000000, 0, 42))
	assert.Equal(t,
		"unitbus-my_job-1-"+nonceHex(1, 2, 3)+".service",
		unitName("my job", 1, 2, 3))
	assert.NotEqual(t, unitName("x", 5, 0, 9), unitName("x", 5, 1, 9))

	a := transientUnitName("demo")
	b := transientUnitName("demo")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, unitNamePattern, a)
}

func nonceHex(ts, counter, pid uint64) string {
	const mul = 0x9E3779B97F4A7C15
	n := (ts ^ counter ^ pid) * mul
	const digits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = digits[n&0xf]
		n >>= 4
	}
	return string(out)
}

func TestSanitizeHint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"demo", "demo"},
		{"my job", "my_job"},
		{"__edge__", "edge"},
		{"a.b/c", "a_b_c"},
		{"ünïcode", "n_code"},
		{"!!!", ""},
		{"", ""},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
		{"ok-name_1", "ok-name_1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeHint(tt.in), "hint %q", tt.in)
	}
}

func TestDecodeExit(t *testing.T) {
	i32 := func(v int32) *int32 { return &v }

	exit, sig := DecodeExit(systemd.UnitStatus{ExecMainCode: i32(1), ExecMainStatus: i32(7)})
	assert.Equal(t, int32(7), *exit)
	assert.Nil(t, sig)

	exit, sig = DecodeExit(systemd.UnitStatus{ExecMainCode: i32(2), ExecMainStatus: i32(9)})
	assert.Nil(t, exit)
	assert.Equal(t, int32(9), *sig)

	exit, sig = DecodeExit(systemd.UnitStatus{ExecMainCode: i32(3), ExecMainStatus: i32(6)})
	assert.Nil(t, exit)
	assert.Equal(t, int32(6), *sig)

	exit, sig = DecodeExit(systemd.UnitStatus{ExecMainCode: i32(999), ExecMainStatus: i32(1)})
	assert.Nil(t, exit)
	assert.Nil(t, sig)

	exit, sig = DecodeExit(systemd.UnitStatus{ExecMainCode: i32(1)})
	assert.Nil(t, exit)
	assert.Nil(t, sig)
}
