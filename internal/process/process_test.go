package process

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

func TestSnapshot_Self(t *testing.T) {
	info, err := Snapshot(context.Background(), uint32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), info.PID)
	assert.NotEmpty(t, info.Name)
	assert.Positive(t, info.NumThreads)
}

func TestSnapshot_ZeroPID(t *testing.T) {
	_, err := Snapshot(context.Background(), 0)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
}

func TestSelf(t *testing.T) {
	creds, err := Self(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Geteuid()), creds.UID)
	assert.Equal(t, uint32(os.Getegid()), creds.GID)
}

func TestCanWriteDir(t *testing.T) {
	dir := t.TempDir()
	creds := &Credentials{UID: uint32(os.Geteuid()), GID: uint32(os.Getegid())}

	require.NoError(t, os.Chmod(dir, 0o700))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, creds.CanWriteDir(info))

	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o700) })
	info, err = os.Stat(dir)
	require.NoError(t, err)
	if creds.UID == 0 {
		assert.True(t, creds.CanWriteDir(info))
	} else {
		assert.False(t, creds.CanWriteDir(info))
	}

	// A stranger only gets the "other" bits.
	stranger := &Credentials{UID: 4242424, GID: 4242424}
	assert.False(t, stranger.CanWriteDir(info))
	require.NoError(t, os.Chmod(dir, 0o703))
	info, err = os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, stranger.CanWriteDir(info))
}

func TestInGroup(t *testing.T) {
	c := &Credentials{GID: 10, Groups: []uint32{20, 30}}
	assert.True(t, c.InGroup(10))
	assert.True(t, c.InGroup(30))
	assert.False(t, c.InGroup(40))
}
