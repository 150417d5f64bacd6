package systemd

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
)

func TestDiagnose_Window(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", failedProps("web.service"), Properties{})
	c, jb := newTestClient(t, bus)
	jb.result = &journal.Result{Entries: []journal.Entry{}, Truncated: true, NextCursor: "s=abc"}

	opts := DefaultDiagnosisOptions()
	opts.Limit = 50

	before := time.Now()
	d, err := c.Diagnose(context.Background(), "web", opts)
	after := time.Now()
	require.NoError(t, err)

	assert.Equal(t, ActiveStateFailed, d.Status.ActiveState)
	assert.True(t, d.Truncated)
	assert.Equal(t, "s=abc", d.NextCursor)
	assert.Nil(t, d.MainProcess)

	f := jb.last
	assert.Equal(t, "web.service", f.Unit)
	assert.Equal(t, 50, f.Limit)
	assert.Equal(t, journal.DefaultMaxBytes, f.MaxBytes)
	assert.False(t, f.Since.Before(before.Add(-DefaultWindowBefore)))
	assert.False(t, f.Since.After(after.Add(-DefaultWindowBefore)))
	assert.False(t, f.Until.Before(before.Add(DefaultWindowAfter)))
	assert.False(t, f.Until.After(after.Add(DefaultWindowAfter)))
	assert.Equal(t, c.Options().JournalTimeout, f.Timeout)
}

func TestDiagnose_MainProcessSnapshot(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), Properties{"MainPID": uint32(os.Getpid())})
	c, _ := newTestClient(t, bus)

	d, err := c.Diagnose(context.Background(), "web", DefaultDiagnosisOptions())
	require.NoError(t, err)
	require.NotNil(t, d.MainProcess)
	assert.Equal(t, int32(os.Getpid()), d.MainProcess.PID)

	opts := DefaultDiagnosisOptions()
	opts.MainProcess = false
	d, err = c.Diagnose(context.Background(), "web", opts)
	require.NoError(t, err)
	assert.Nil(t, d.MainProcess)
}

func TestDiagnose_Errors(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit("web.service", activeUnit("web.service"), nil)
	c, jb := newTestClient(t, bus)

	_, err := c.Diagnose(context.Background(), "missing", DefaultDiagnosisOptions())
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnitNotFound))
	assert.Equal(t, 0, jb.calls)

	jb.err = apperrors.Timeout("journal_query", time.Second)
	_, err = c.Diagnose(context.Background(), "web", DefaultDiagnosisOptions())
	assert.True(t, apperrors.IsKind(err, apperrors.KindTimeout))
}
