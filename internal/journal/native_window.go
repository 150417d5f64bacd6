package journal

import (
	"strconv"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

// nativeRecord is a library entry in the decoded shape journalctl produces,
// with its wire size estimated as the sum of keys and values.
type nativeRecord struct {
	raw    map[string]any
	size   int
	cursor string
}

func newNativeRecord(fields map[string]string, realtimeUsec uint64, cursor string) nativeRecord {
	raw := make(map[string]any, len(fields)+2)
	size := 0
	for k, v := range fields {
		raw[k] = v
		size += len(k) + len(v)
	}
	raw[fieldRealtime] = strconv.FormatUint(realtimeUsec, 10)
	if cursor != "" {
		raw[fieldCursor] = cursor
		size += len(fieldCursor) + len(cursor)
	}
	return nativeRecord{raw: raw, size: size, cursor: cursor}
}

// tailWindow accumulates a backward journal walk. It keeps the oldest
// records seen so far whose sizes fit in maxBytes, which is the page a
// forward read of the same window would return, so memory stays bounded by
// the byte budget however large the line limit is.
type tailWindow struct {
	maxBytes int
	records  []nativeRecord // newest first
	bytes    int
	dropped  bool
}

func newTailWindow(maxBytes int) *tailWindow {
	return &tailWindow{maxBytes: maxBytes}
}

// add takes the next older record of the walk.
func (w *tailWindow) add(r nativeRecord) {
	w.records = append(w.records, r)
	w.bytes += r.size
	for w.bytes > w.maxBytes && len(w.records) > 0 {
		w.bytes -= w.records[0].size
		w.records[0] = nativeRecord{}
		w.records = w.records[1:]
		w.dropped = true
	}
}

// replay feeds the kept records oldest first. Records dropped for size
// count as the line that truncated the page.
func (w *tailWindow) replay(col *collector) error {
	for i := len(w.records) - 1; i >= 0; i-- {
		r := w.records[i]
		stop, err := col.push(r.size, func() (*Entry, error) {
			e, nerr := normalize(r.raw, col.filter.MaxMessageBytes)
			if nerr != nil {
				return nil, apperrors.Parse("journal entry", nerr.Error(), []byte(r.cursor))
			}
			return e, nil
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	if w.dropped {
		col.markTruncated()
	}
	return nil
}
