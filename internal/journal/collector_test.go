package journal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

func validLine(i int) string {
	return fmt.Sprintf(`{"__REALTIME_TIMESTAMP":"%d","__CURSOR":"c%d","MESSAGE":"m%d"}`, 1000+i, i, i)
}

func feed(t *testing.T, col *collector, lines ...string) error {
	t.Helper()
	for _, l := range lines {
		stop, err := col.pushLine([]byte(l))
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func TestCollector_LimitTruncates(t *testing.T) {
	f := DefaultFilter()
	f.Limit = 2
	col := newCollector(f)

	require.NoError(t, feed(t, col, validLine(1), validLine(2), validLine(3)))
	res := col.result()

	assert.Len(t, res.Entries, 2)
	assert.True(t, res.Truncated)
	assert.GreaterOrEqual(t, res.Stats.LinesRead, f.Limit)
	assert.Equal(t, "c2", res.NextCursor)
}

func TestCollector_ExactLimitNotTruncated(t *testing.T) {
	f := DefaultFilter()
	f.Limit = 2
	col := newCollector(f)

	require.NoError(t, feed(t, col, validLine(1), validLine(2)))
	res := col.result()

	assert.Len(t, res.Entries, 2)
	assert.False(t, res.Truncated)
}

func TestCollector_ByteBudget(t *testing.T) {
	first := validLine(1)
	f := DefaultFilter()
	f.MaxBytes = len(first) + 5
	col := newCollector(f)

	require.NoError(t, feed(t, col, first, validLine(2)))
	res := col.result()

	assert.Len(t, res.Entries, 1)
	assert.True(t, res.Truncated)
	assert.Equal(t, len(first), res.Stats.BytesRead)
	assert.Equal(t, 2, res.Stats.LinesRead)
}

func TestCollector_FailFast(t *testing.T) {
	col := newCollector(DefaultFilter())

	err := feed(t, col, validLine(1), "not json", validLine(2))
	assert.True(t, apperrors.IsKind(err, apperrors.KindParse))
	assert.Equal(t, 1, col.stats.ParseErrors)
}

func TestCollector_SkipWithinBudget(t *testing.T) {
	f := DefaultFilter()
	f.ParseErrors = SkipUpTo(2)
	col := newCollector(f)

	require.NoError(t, feed(t, col, validLine(1), "bad", validLine(2), "{}", validLine(3)))
	res := col.result()

	assert.Len(t, res.Entries, 3)
	assert.Equal(t, 2, res.Stats.ParseErrors)
	assert.Equal(t, 2, res.Stats.SkippedLines)
	assert.False(t, res.Truncated)
}

func TestCollector_SkipBudgetExceeded(t *testing.T) {
	f := DefaultFilter()
	f.ParseErrors = SkipUpTo(2)
	col := newCollector(f)

	err := feed(t, col, "bad1", "bad2", "bad3", validLine(1))
	assert.True(t, apperrors.IsKind(err, apperrors.KindParse))
	assert.Equal(t, 3, col.stats.ParseErrors)
}

func TestCollector_SkipZeroBudget(t *testing.T) {
	f := DefaultFilter()
	f.ParseErrors = SkipUpTo(0)
	col := newCollector(f)

	err := feed(t, col, "bad")
	assert.Error(t, err)
}

func TestCollectLines_OversizedLineTruncates(t *testing.T) {
	f := DefaultFilter()
	f.MaxBytes = 100
	col := newCollector(f)

	input := validLine(1) + "\n" + `{"MESSAGE":"` + strings.Repeat("x", 500) + `"}` + "\n"
	require.NoError(t, collectLines(strings.NewReader(input), col))
	res := col.result()

	assert.Len(t, res.Entries, 1)
	assert.True(t, res.Truncated)
}

func TestCollectLines_BlankLinesIgnored(t *testing.T) {
	col := newCollector(DefaultFilter())

	input := validLine(1) + "\n\n" + validLine(2) + "\r\n"
	require.NoError(t, collectLines(strings.NewReader(input), col))
	res := col.result()

	assert.Len(t, res.Entries, 2)
	assert.Equal(t, 2, res.Stats.LinesRead)
}
