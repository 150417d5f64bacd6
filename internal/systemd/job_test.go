package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

func TestWait_RejectsZeroTimeout(t *testing.T) {
	bus := newFakeBus()
	c, _ := newTestClient(t, bus)

	h, err := c.Job("x.service", string(JobPath(5)), JobStart)
	require.NoError(t, err)

	_, err = h.Wait(context.Background(), 0)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
	assert.Equal(t, 0, bus.subscribed)
	assert.Equal(t, JobStateRequested, h.State())
}

func TestWait_ResultChannel(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", unitWithState("web.service", "loaded", "inactive", "dead"), Properties{})
	bus.onStart = func(_ dbus.ObjectPath, _ string, result chan<- string) {
		result <- "canceled"
	}
	c, _ := newTestClient(t, bus)

	h, err := c.Start(context.Background(), "web", "")
	require.NoError(t, err)
	assert.Equal(t, "web.service", h.Unit)
	assert.Equal(t, JobStart, h.Kind)

	out, err := h.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, out.Kind)
	assert.Equal(t, JobStateResolved, h.State())
}

func TestWait_JobAlreadyGone(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), Properties{"MainPID": uint32(10)})
	bus.onStart = func(path dbus.ObjectPath, _ string, _ chan<- string) {
		bus.finishJob(path)
	}
	c, _ := newTestClient(t, bus)

	h, err := c.Restart(context.Background(), "web.service", ModeReplace)
	require.NoError(t, err)

	out, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, uint32(10), *out.Status.MainPID)
}

func TestWait_VanishedJobUsesStatusOnly(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", unitWithState("web.service", "loaded", "inactive", "dead"), Properties{})
	bus.onStart = func(path dbus.ObjectPath, _ string, _ chan<- string) {
		bus.finishJob(path)
	}
	c, _ := newTestClient(t, bus)

	h, err := c.Start(context.Background(), "web", "")
	require.NoError(t, err)

	out, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	require.NotNil(t, out.Reason)
	assert.Equal(t, HintUnexpectedState, out.Reason.Kind)
}

func TestWait_PollDetectsVanish(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), Properties{})
	bus.onStart = func(path dbus.ObjectPath, _ string, _ chan<- string) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			bus.finishJob(path)
		}()
	}
	c, _ := newTestClient(t, bus)

	h, err := c.Start(context.Background(), "web", "")
	require.NoError(t, err)

	out, err := h.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, JobStateResolved, h.State())
}

func TestWait_Timeout(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("slow.service", unitWithState("slow.service", "loaded", "activating", "start"), Properties{})
	c, _ := newTestClient(t, bus)

	h, err := c.Start(context.Background(), "slow", "")
	require.NoError(t, err)

	_, err = h.Wait(context.Background(), 60*time.Millisecond)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindJobTimeout, appErr.Kind)
	assert.Equal(t, "slow.service", appErr.Unit)
	assert.Equal(t, 60*time.Millisecond, appErr.Timeout)
	assert.Equal(t, JobStateTimedOut, h.State())

	// The job keeps running; a later wait picks it up again.
	bus.setUnitProps("slow.service", activeUnit("slow.service"))
	bus.finishJob(h.Path)
	out, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, JobStateResolved, h.State())
}

func TestWait_ContextCanceled(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("slow.service", activeUnit("slow.service"), Properties{})
	c, _ := newTestClient(t, bus)

	h, err := c.Start(context.Background(), "slow", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx, 10*time.Second)
	assert.True(t, apperrors.IsKind(err, apperrors.KindIO))
}

func TestJob_RebuiltHandleUsesJobRemoved(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", unitWithState("web.service", "loaded", "inactive", "dead"), Properties{})
	path := JobPath(77)
	bus.jobs[path] = true
	bus.removed = make(chan JobRemoved, 4)
	bus.removed <- JobRemoved{ID: 76, Job: JobPath(76), Unit: "other.service", Result: "failed"}
	bus.removed <- JobRemoved{ID: 77, Job: path, Unit: "web.service", Result: "done"}

	c, _ := newTestClient(t, bus)
	h, err := c.Job("web", string(path), JobStop)
	require.NoError(t, err)

	out, err := h.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 1, bus.subscribed)
}

func TestJob_PollingWithoutSubscription(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), Properties{})
	bus.removedErr = apperrors.BackendUnavailable("system_bus", "gone")
	path := JobPath(9)
	bus.jobs[path] = true
	go func() {
		time.Sleep(30 * time.Millisecond)
		bus.finishJob(path)
	}()

	c, _ := newTestClient(t, bus)
	h, err := c.Job("web.service", string(path), JobReload)
	require.NoError(t, err)

	out, err := h.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestJob_Rejects(t *testing.T) {
	c, _ := newTestClient(t, newFakeBus())

	for _, path := range []string{"", "/foo/1", jobPathPrefix, "/org/freedesktop/systemd1/job/1 2"} {
		_, err := c.Job("x.service", path, JobStart)
		assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput), "path %q", path)
	}
	_, err := c.Job("x.service", string(JobPath(1)), JobKind("explode"))
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
	_, err = c.Job("x\n.service", string(JobPath(1)), JobStart)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestEnqueue_Validation(t *testing.T) {
	bus := newFakeBus()
	c, _ := newTestClient(t, bus)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, JobKind("explode"), "x", "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	_, err = c.Enqueue(ctx, JobStart, "x", StartMode("fail\x00"))
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	bus.startErr = apperrors.PermissionDenied("start_unit", "org.freedesktop.DBus.Error.AccessDenied: denied")
	_, err = c.Stop(ctx, "x", ModeFail)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
}

func TestParseHelpers(t *testing.T) {
	mode, err := ParseStartMode("  ")
	require.NoError(t, err)
	assert.Equal(t, ModeReplace, mode)

	mode, err = ParseStartMode("isolate")
	require.NoError(t, err)
	assert.Equal(t, ModeIsolate, mode)

	kind, ok := ParseJobKind("RESTART")
	assert.True(t, ok)
	assert.Equal(t, JobRestart, kind)
	_, ok = ParseJobKind("kill")
	assert.False(t, ok)
}
