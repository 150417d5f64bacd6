package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/systemd/systemdtest"
)

type fixture struct {
	app     *app
	bus     *systemdtest.Bus
	journal *systemdtest.Journal
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		app:     newApp(),
		bus:     systemdtest.NewBus(),
		journal: &systemdtest.Journal{},
		dir:     t.TempDir(),
	}
	f.app.connect = func(context.Context, systemd.Options) (*systemd.Client, error) {
		return systemdtest.NewClient(f.bus, f.journal, f.dir), nil
	}
	f.bus.SetUnit("web.service", systemdtest.Unit("web.service", "loaded", "active", "running"), systemd.Properties{"MainPID": uint32(0)})
	return f
}

func (f *fixture) run(args ...string) (string, error) {
	return f.runWithInput("", args...)
}

func (f *fixture) runWithInput(stdin string, args ...string) (string, error) {
	cmd := newRootCmd(f.app)
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeOut(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("status", "web")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, "web.service", m["id"])
	assert.Equal(t, "active", m["active_state"])

	_, err = f.run("status", "missing")
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnitNotFound))
}

func TestPropsCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("props", "web", "--interface", "service")
	require.NoError(t, err)
	assert.Contains(t, decodeOut(t, out), "MainPID")

	out, err = f.run("props", "--path", string(systemd.UnitObjectPath("web.service")))
	require.NoError(t, err)
	assert.Equal(t, "web.service", decodeOut(t, out)["Id"])

	_, err = f.run("props", "web", "-i", "mount")
	assert.Error(t, err)
}

func TestJobCommand(t *testing.T) {
	f := newFixture(t)
	f.bus.OnJob = func(b *systemdtest.Bus, unit string) {
		b.SetUnit(unit, systemdtest.Unit(unit, "loaded", "active", "running"), systemd.Properties{})
	}

	out, err := f.run("restart", "web", "--mode", "fail", "--timeout", "2s")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, "web.service", m["unit"])
	assert.Equal(t, "restart", m["action"])
	assert.Equal(t, "success", m["outcome"].(map[string]interface{})["outcome"])

	calls := f.bus.JobCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, systemd.JobRestart, calls[0].Kind)
	assert.Equal(t, systemd.ModeFail, calls[0].Mode)
}

func TestJobCommand_FailedOutcome(t *testing.T) {
	f := newFixture(t)

	// The unit stays active, so the stop job does not reach its goal.
	out, err := f.run("stop", "web", "--timeout", "2s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Equal(t, "failed", decodeOut(t, out)["outcome"].(map[string]interface{})["outcome"])
}

func TestJobCommand_NoWait(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("start", "web", "--no-wait")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.True(t, strings.HasPrefix(m["job"].(string), "/org/freedesktop/systemd1/job/"))
	assert.NotContains(t, m, "outcome")
}

func TestLogsCommand(t *testing.T) {
	f := newFixture(t)

	_, err := f.run("logs", "web", "--since", "10m", "-n", "5", "--skip", "3")
	require.NoError(t, err)

	last := f.journal.LastFilter()
	assert.Equal(t, "web.service", last.Unit)
	assert.Equal(t, 5, last.Limit)
	assert.False(t, last.Since.IsZero())
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), last.Since, time.Minute)
	assert.True(t, last.ParseErrors.Skip)
	assert.Equal(t, 3, last.ParseErrors.MaxSkipped)
}

func TestLogsCommand_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.run("logs", "--since", "yesterday")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	_, err = f.run("logs", "--since", "5m", "--until", "10m")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
	assert.Equal(t, "", f.journal.LastFilter().Unit)
}

func TestRunCommand_Adhoc(t *testing.T) {
	f := newFixture(t)
	f.bus.OnJob = func(b *systemdtest.Bus, unit string) {
		b.SetUnit(unit, systemdtest.Unit(unit, "loaded", "inactive", "dead"), systemd.Properties{
			"ExecMainCode":   int32(1),
			"ExecMainStatus": int32(0),
		})
	}

	out, err := f.run("run", "--name", "probe", "-e", "LANG=C", "--timeout", "5s", "--", "/bin/true")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, true, m["succeeded"])
	assert.True(t, strings.HasPrefix(m["unit"].(string), "unitbus-probe-"))

	calls := f.bus.TransientCalls()
	require.Len(t, calls, 1)
}

func TestRunCommand_Preset(t *testing.T) {
	f := newFixture(t)
	f.bus.OnJob = func(b *systemdtest.Bus, unit string) {
		b.SetUnit(unit, systemdtest.Unit(unit, "loaded", "inactive", "dead"), systemd.Properties{
			"ExecMainCode":   int32(1),
			"ExecMainStatus": int32(2),
		})
	}

	out, err := f.run("run", "uptime")
	require.Error(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, "uptime", m["preset"])
	assert.Equal(t, false, m["succeeded"])

	_, err = f.run("run", "reboot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--confirm")
	assert.Len(t, f.bus.TransientCalls(), 1)

	_, err = f.run("run", "nope")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestRunCommand_ArgsBeforeDash(t *testing.T) {
	f := newFixture(t)

	_, err := f.run("run", "uptime", "--", "/bin/true")
	require.Error(t, err)
	assert.Empty(t, f.bus.TransientCalls())
}

func TestTasksCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("tasks")
	require.NoError(t, err)
	assert.Equal(t, float64(6), decodeOut(t, out)["total"])
}

func TestDropInCommands(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("dropin", "set", "web", "override", "-e", "MODE=prod", "--restart", "on-failure", "--reload")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, true, m["daemon_reload_performed"])
	assert.Equal(t, 1, f.bus.Reloads)

	content, err := os.ReadFile(filepath.Join(f.dir, "web.service.d", "override.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Restart=on-failure")
	assert.Contains(t, string(content), "MODE=prod")

	out, err = f.run("dropin", "ls", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "override.conf")

	// Unchanged content needs no reload.
	out, err = f.run("dropin", "set", "web", "override", "-e", "MODE=prod", "--restart", "on-failure", "--reload")
	require.NoError(t, err)
	assert.Equal(t, false, decodeOut(t, out)["daemon_reload_performed"])
	assert.Equal(t, 1, f.bus.Reloads)

	_, err = f.run("dropin", "rm", "web", "override")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.dir, "web.service.d", "override.conf"))

	_, err = f.run("dropin", "set", "web", "bad.conf")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestManagerAndReload(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("manager")
	require.NoError(t, err)
	assert.Equal(t, "255", decodeOut(t, out)["version"])

	_, err = f.run("daemon-reload")
	require.NoError(t, err)
	assert.Equal(t, 1, f.bus.Reloads)
}

func TestKeygenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9000\nAPI_KEY=old\n"), 0600))

	f := newFixture(t)
	out, err := f.run("keygen", "--env-file", path)
	require.NoError(t, err)
	m := decodeOut(t, out)
	key := m["api_key"].(string)
	assert.Len(t, key, 64)
	assert.NotEqual(t, key, m["jwt_secret"])

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "PORT=9000")
	assert.Contains(t, string(content), "API_KEY="+key)
	assert.NotContains(t, string(content), "API_KEY=old")
}

func TestTokenCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("token", "dashboard", "--secret", "s3cret", "--scope", "read", "--unit", "web", "--ttl", "1h")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.NotEmpty(t, m["token"])
	assert.Equal(t, "dashboard", m["subject"])
	assert.Equal(t, "read", m["scope"])
	assert.Equal(t, []interface{}{"web.service"}, m["units"])

	t.Setenv("JWT_SECRET", "")
	_, err = f.run("token", "dashboard")
	assert.Error(t, err)

	_, err = f.run("token", "dashboard", "--secret", "s", "--scope", "admin")
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, got)

	_, err = parseAssignments([]string{"=1"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"NOVALUE"})
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTime("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseTime("90s", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Second), got)

	got, err = parseTime("2024-05-01T10:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Hour())

	got, err = parseTime("1700000000", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.Unix())
}

func TestInstallAndUninstall(t *testing.T) {
	f := newFixture(t)
	spec := `{"unit":"demo","exec_start":["/usr/bin/sleep","infinity"],"wanted_by":["multi-user.target"]}`

	out, err := f.runWithInput(spec, "install", "-")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, "demo.service", m["unit"])
	assert.Equal(t, true, m["daemon_reload_performed"])
	assert.Contains(t, m, "enabled")
	assert.Equal(t, 1, f.bus.Reloads)

	content, err := os.ReadFile(filepath.Join(f.dir, "demo.service"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "ExecStart=/usr/bin/sleep infinity")
	assert.Contains(t, string(content), "WantedBy=multi-user.target")

	_, err = f.run("uninstall", "demo", "--no-reload")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.dir, "demo.service"))
	assert.Equal(t, 1, f.bus.Reloads)

	_, err = f.runWithInput(`{"unit":"demo","bogus":true}`, "install", "-")
	assert.Error(t, err)
}

func TestEnableDisable(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("enable", "web", "--runtime")
	require.NoError(t, err)
	assert.Contains(t, decodeOut(t, out), "changes")

	_, err = f.run("disable", "web")
	require.NoError(t, err)

	_, err = f.run("enable", "a..b")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestWaitJobCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("wait-job", "web", string(systemd.JobPath(42)), "--kind", "start", "--timeout", "2s")
	require.NoError(t, err)
	m := decodeOut(t, out)
	assert.Equal(t, "success", m["outcome"].(map[string]interface{})["outcome"])

	_, err = f.run("wait-job", "web", "/not/a/job")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	_, err = f.run("wait-job", "web", string(systemd.JobPath(42)), "--kind", "explode")
	assert.Error(t, err)
}
