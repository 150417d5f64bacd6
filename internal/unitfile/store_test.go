package unitfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

func TestStore_UnitFileIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	unit := "unitbus-test.service"

	w1, err := s.WriteUnitFile(unit, "a\n")
	require.NoError(t, err)
	assert.True(t, w1.Changed)
	assert.True(t, w1.RequiresDaemonReload)
	assert.Equal(t, filepath.Join(s.Dir(), unit), w1.Path)

	w2, err := s.WriteUnitFile(unit, "a\n")
	require.NoError(t, err)
	assert.False(t, w2.Changed)
	assert.False(t, w2.RequiresDaemonReload)

	w3, err := s.WriteUnitFile(unit, "b\n")
	require.NoError(t, err)
	assert.True(t, w3.Changed)

	data, err := os.ReadFile(w3.Path)
	require.NoError(t, err)
	assert.Equal(t, "b\n", string(data))

	r1, err := s.RemoveUnitFile(unit)
	require.NoError(t, err)
	assert.True(t, r1.Changed)
	assert.True(t, r1.RequiresDaemonReload)

	r2, err := s.RemoveUnitFile(unit)
	require.NoError(t, err)
	assert.False(t, r2.Changed)
	assert.False(t, r2.RequiresDaemonReload)
}

func TestStore_DropInIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	contents := "[Service]\nEnvironment=\"A=1\"\n"

	a1, err := s.ApplyDropIn("app.service", "demo", contents)
	require.NoError(t, err)
	assert.True(t, a1.Changed)
	assert.Equal(t, ActionDaemonReload, a1.RecommendedAction)
	assert.Equal(t, filepath.Join(s.Dir(), "app.service.d", "demo.conf"), a1.Path)

	a2, err := s.ApplyDropIn("app.service", "demo", contents)
	require.NoError(t, err)
	assert.False(t, a2.Changed)
	assert.False(t, a2.RequiresDaemonReload)
	assert.Equal(t, ActionNone, a2.RecommendedAction)

	r1, err := s.RemoveDropIn("app.service", "demo")
	require.NoError(t, err)
	assert.True(t, r1.Changed)

	r2, err := s.RemoveDropIn("app.service", "demo")
	require.NoError(t, err)
	assert.False(t, r2.Changed)
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.ApplyDropIn("app.service", "demo", "x\n")
	require.NoError(t, err)
	_, err = s.ApplyDropIn("app.service", "demo", "y\n")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "app.service.d"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "demo.conf", entries[0].Name())
}

func TestStore_RejectsUnsafeNames(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.WriteUnitFile("../evil.service", "x")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	_, err = s.ApplyDropIn("app.service", "a/b", "x")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	_, err = s.RemoveDropIn("app.service", "x.conf")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestStore_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	s := NewStore(dir)
	_, err := s.ApplyDropIn("app.service", "demo", "x\n")
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindPermissionDenied, appErr.Kind)
	assert.Equal(t, ActionWriteDropIns, appErr.Action)

	_, err = s.WriteUnitFile("app.service", "x\n")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ActionWriteUnitFiles, appErr.Action)
}

func TestStore_ListDropIns(t *testing.T) {
	s := NewStore(t.TempDir())

	files, err := s.ListDropIns("app.service")
	require.NoError(t, err)
	assert.Empty(t, files)

	rendered, err := RenderDropIn(DropInSpec{Unit: "app.service", Name: "b", Restart: strPtr("always")})
	require.NoError(t, err)
	_, err = s.ApplyDropIn("app.service", "b", rendered)
	require.NoError(t, err)
	_, err = s.ApplyDropIn("app.service", "a", "[Service]\n")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "app.service.d", "notes.txt"), []byte("x"), 0o644))

	files, err = s.ListDropIns("app.service")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.conf", files[0].Name)
	assert.False(t, files[0].Managed)
	assert.Equal(t, "b.conf", files[1].Name)
	assert.True(t, files[1].Managed)
	assert.NotEmpty(t, files[1].Owner)
}

func TestNewStore_Default(t *testing.T) {
	assert.Equal(t, DefaultSystemDir, NewStore("").Dir())
}

func TestStore_DropInNamesAreTrimmed(t *testing.T) {
	s := NewStore(t.TempDir())

	report, err := s.ApplyDropIn(" web.service ", " x ", "[Service]\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "web.service.d", "x.conf"), report.Path)
	assert.Equal(t, report.Path, s.DropInPath("web.service", "x"))

	files, err := s.ListDropIns("web.service ")
	require.NoError(t, err)
	require.Len(t, files, 1)

	removed, err := s.RemoveDropIn("web.service", "x ")
	require.NoError(t, err)
	assert.True(t, removed.Changed)

	_, err = os.Stat(report.Path)
	assert.True(t, os.IsNotExist(err))
}
