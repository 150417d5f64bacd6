package systemd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
)

func journalFilter(unit string) journal.Filter {
	f := journal.DefaultFilter()
	f.Unit = unit
	return f
}

func TestCapabilities_AllGranted(t *testing.T) {
	bus := newFakeBus()
	bus.addUnit(probeUnit, activeUnit(probeUnit), Properties{})
	bus.canStart = "yes"
	c, jb := newTestClient(t, bus)

	caps := c.Capabilities(context.Background())
	assert.Equal(t, Capabilities{
		CanReadUnits:    true,
		CanControlUnits: true,
		CanReadJournal:  true,
		CanWriteConfig:  true,
	}, caps)
	assert.Equal(t, 1, jb.last.Limit)
}

func TestCapabilities_AllDenied(t *testing.T) {
	bus := newFakeBus()
	bus.canStartErr = apperrors.PermissionDenied("can_start_unit", "denied")
	jb := &fakeJournal{err: apperrors.PermissionDenied("read_journal", "not in systemd-journal group")}
	c := New(bus, jb, Options{SystemDir: filepath.Join(t.TempDir(), "missing")})

	caps := c.Capabilities(context.Background())
	assert.Equal(t, Capabilities{}, caps)
}

func TestCapabilities_ControlNeedsYes(t *testing.T) {
	bus := newFakeBus()
	bus.canStart = "challenge"
	c, _ := newTestClient(t, bus)

	assert.False(t, c.Capabilities(context.Background()).CanControlUnits)
}

func TestClientJournal_CanonicalizesAndDefaultsTimeout(t *testing.T) {
	c, jb := newTestClient(t, newFakeBus())

	_, err := c.Journal(context.Background(), journalFilter("nginx"))
	assert.NoError(t, err)
	assert.Equal(t, "nginx.service", jb.last.Unit)
	assert.Equal(t, c.Options().JournalTimeout, jb.last.Timeout)

	f := journalFilter("nginx")
	f.Timeout = time.Second
	_, err = c.Journal(context.Background(), f)
	assert.NoError(t, err)
	assert.Equal(t, time.Second, jb.last.Timeout)

	_, err = c.Journal(context.Background(), journalFilter("bad/unit"))
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
	assert.Equal(t, "fake", c.JournalBackend())
}
