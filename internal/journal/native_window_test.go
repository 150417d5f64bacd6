package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// record i is 19 bytes: MESSAGE=m<i> plus __CURSOR=c<i>.
func record(i int) nativeRecord {
	return newNativeRecord(map[string]string{"MESSAGE": fmt.Sprintf("m%d", i)}, uint64(1000+i), fmt.Sprintf("c%d", i))
}

// walk adds records newest to oldest, the order a backward journal read sees.
func walk(w *tailWindow, oldest, newest int, each func()) {
	for i := newest; i >= oldest; i-- {
		w.add(record(i))
		if each != nil {
			each()
		}
	}
}

func cursors(res *Result) []string {
	out := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		out = append(out, e.Cursor)
	}
	return out
}

func TestNewNativeRecord(t *testing.T) {
	r := newNativeRecord(map[string]string{"MESSAGE": "hello", "_PID": "7"}, 1700000000000000, "s=abc")

	assert.Equal(t, len("MESSAGE")+5+len("_PID")+1+len(fieldCursor)+5, r.size)
	assert.Equal(t, "1700000000000000", r.raw[fieldRealtime])
	assert.Equal(t, "s=abc", r.raw[fieldCursor])
	assert.Equal(t, "s=abc", r.cursor)

	e, err := normalize(r.raw, DefaultMaxMessageBytes)
	require.NoError(t, err)
	require.NotNil(t, e.Message)
	assert.Equal(t, "hello", *e.Message)
}

func TestTailWindow_BytesBoundMemoryAndKeepOldestPrefix(t *testing.T) {
	f := DefaultFilter()
	f.Limit = 1000000
	f.MaxBytes = 3 * record(1).size

	w := newTailWindow(f.MaxBytes)
	walk(w, 1, 50, func() {
		assert.LessOrEqual(t, len(w.records), 3)
		assert.LessOrEqual(t, w.bytes, f.MaxBytes)
	})

	col := newCollector(f)
	require.NoError(t, w.replay(col))
	res := col.result()

	assert.Equal(t, []string{"c1", "c2", "c3"}, cursors(res))
	assert.True(t, res.Truncated)
	assert.Equal(t, "c3", res.NextCursor)
	assert.Equal(t, 4, res.Stats.LinesRead)
	assert.Equal(t, f.MaxBytes, res.Stats.BytesRead)
}

func TestTailWindow_MatchesForwardCollector(t *testing.T) {
	f := DefaultFilter()
	f.Limit = 4
	f.MaxBytes = 2*record(1).size + 5

	w := newTailWindow(f.MaxBytes)
	walk(w, 1, f.Limit+1, nil)
	native := newCollector(f)
	require.NoError(t, w.replay(native))

	forward := newCollector(f)
	for i := 1; i <= f.Limit+1; i++ {
		r := record(i)
		stop, err := forward.push(r.size, func() (*Entry, error) { return normalize(r.raw, f.MaxMessageBytes) })
		require.NoError(t, err)
		if stop {
			break
		}
	}

	assert.Equal(t, cursors(forward.result()), cursors(native.result()))
	assert.Equal(t, forward.result().Truncated, native.result().Truncated)
	assert.Equal(t, forward.result().Stats, native.result().Stats)
}

func TestTailWindow_LimitTruncates(t *testing.T) {
	f := DefaultFilter()
	f.Limit = 2

	w := newTailWindow(f.MaxBytes)
	walk(w, 1, 3, nil)
	col := newCollector(f)
	require.NoError(t, w.replay(col))
	res := col.result()

	assert.Equal(t, []string{"c1", "c2"}, cursors(res))
	assert.True(t, res.Truncated)
}

func TestTailWindow_FitsEntirely(t *testing.T) {
	f := DefaultFilter()

	w := newTailWindow(f.MaxBytes)
	walk(w, 1, 3, nil)
	col := newCollector(f)
	require.NoError(t, w.replay(col))
	res := col.result()

	assert.Equal(t, []string{"c1", "c2", "c3"}, cursors(res))
	assert.False(t, res.Truncated)
	assert.Equal(t, "c3", res.NextCursor)
}

func TestTailWindow_OversizedRecord(t *testing.T) {
	f := DefaultFilter()
	f.MaxBytes = 10

	w := newTailWindow(f.MaxBytes)
	w.add(record(1))
	assert.Empty(t, w.records)

	col := newCollector(f)
	require.NoError(t, w.replay(col))
	res := col.result()
	assert.Empty(t, res.Entries)
	assert.True(t, res.Truncated)
}
