package systemd

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
)

func failedProps(name string) Properties {
	p := unitWithState(name, "loaded", "failed", "failed")
	p["Result"] = "exit-code"
	return p
}

func TestWatchUnitFailure_EmitsOnFailedTransition(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", failedProps("web.service"), Properties{"ExecMainCode": int32(1), "ExecMainStatus": int32(2)})
	c, jb := newTestClient(t, bus)
	msg := "boom"
	jb.result = &journal.Result{Entries: []journal.Entry{{Message: &msg, Unit: "web.service"}}}

	w, err := c.WatchUnitFailure(context.Background(), "web", DefaultObserveOptions())
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, "web.service", w.Unit)

	bus.unitChanges <- PropertiesChanged{Interface: unitInterface, Changed: Properties{"ActiveState": "activating"}}
	bus.unitChanges <- PropertiesChanged{Interface: serviceInterface, Changed: Properties{"ActiveState": "failed"}}
	bus.unitChanges <- PropertiesChanged{Interface: unitInterface, Changed: Properties{"ActiveState": "failed"}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := w.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, "web.service", ev.Unit)
	assert.False(t, ev.ObservedAt.IsZero())
	assert.Equal(t, ActiveStateFailed, ev.Status.ActiveState)
	assert.Equal(t, "exit-code", *ev.Status.Result)
	assert.Empty(t, ev.DiagnosisError)
	require.NotNil(t, ev.Diagnosis)
	require.Len(t, ev.Diagnosis.Entries, 1)
	assert.Equal(t, "boom", *ev.Diagnosis.Entries[0].Message)
	assert.Equal(t, "web.service", jb.last.Unit)
}

func TestWatchUnitFailure_DiagnosisErrorKeepsEvent(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", failedProps("web.service"), nil)
	c, jb := newTestClient(t, bus)
	jb.err = apperrors.BackendUnavailable("journalctl", "not installed")

	w, err := c.WatchUnitFailure(context.Background(), "web.service", DefaultObserveOptions())
	require.NoError(t, err)
	defer w.Close()

	bus.unitChanges <- PropertiesChanged{Interface: unitInterface, Changed: Properties{"ActiveState": "failed"}}
	ev, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev.Diagnosis)
	assert.Contains(t, ev.DiagnosisError, "journalctl")
}

func TestWatchUnitFailure_WithoutDiagnosis(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", failedProps("web.service"), nil)
	c, jb := newTestClient(t, bus)

	w, err := c.WatchUnitFailure(context.Background(), "web", ObserveOptions{})
	require.NoError(t, err)
	defer w.Close()

	bus.unitChanges <- PropertiesChanged{Interface: unitInterface, Changed: Properties{"ActiveState": "failed"}}
	ev, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev.Diagnosis)
	assert.Equal(t, 0, jb.calls)
}

func TestWatchUnitFailure_StreamEnd(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), nil)
	c, _ := newTestClient(t, bus)

	w, err := c.WatchUnitFailure(context.Background(), "web", ObserveOptions{})
	require.NoError(t, err)
	defer w.Close()

	close(bus.unitChanges)
	_, err = w.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWatchUnitFailure_ContextDone(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), nil)
	c, _ := newTestClient(t, bus)

	w, err := c.WatchUnitFailure(context.Background(), "web", ObserveOptions{})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Next(ctx)
	assert.True(t, apperrors.IsKind(err, apperrors.KindIO))
}

func TestWatchUnitFailure_UnknownUnit(t *testing.T) {
	c, _ := newTestClient(t, newFakeBus())
	_, err := c.WatchUnitFailure(context.Background(), "nope", DefaultObserveOptions())
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnitNotFound))
}
