//go:build linux && cgo

package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
	"go.uber.org/zap"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

const nativeBackendName = "sdjournal"

// unitMatchFields are the historical field names a unit may be logged under.
var unitMatchFields = []string{"_SYSTEMD_UNIT", "UNIT", "OBJECT_SYSTEMD_UNIT"}

// NativeBackend reads the local journal through libsystemd.
type NativeBackend struct {
	// Timeout applies to filters that carry none.
	Timeout time.Duration

	log *zap.SugaredLogger
}

// NewNativeBackend creates an sdjournal backend.
func NewNativeBackend(timeout time.Duration) *NativeBackend {
	return &NativeBackend{
		Timeout: timeout,
		log:     logger.For("journal.sdjournal"),
	}
}

// Name implements Backend.
func (b *NativeBackend) Name() string {
	return nativeBackendName
}

type nativeOutcome struct {
	res *Result
	err error
}

// Query implements Backend. The blocking library calls run on their own
// goroutine; the caller returns as soon as the deadline or ctx fires.
func (b *NativeBackend) Query(ctx context.Context, filter Filter) (*Result, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	unit := ""
	if filter.Unit != "" {
		u, err := unitname.Canonicalize(filter.Unit)
		if err != nil {
			return nil, err
		}
		unit = u
	}
	if filter.AfterCursor != "" {
		if err := unitname.ValidateNoControl("cursor", filter.AfterCursor); err != nil {
			return nil, err
		}
	}

	timeout := effectiveTimeout(filter.Timeout, b.Timeout)
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan nativeOutcome, 1)
	go func() {
		res, err := b.run(qctx, unit, filter)
		done <- nativeOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if errors.Is(out.err, context.DeadlineExceeded) {
			return nil, apperrors.Timeout(nativeBackendName, timeout)
		}
		if errors.Is(out.err, context.Canceled) {
			return nil, apperrors.IO("journal query canceled", out.err)
		}
		return out.res, out.err
	case <-qctx.Done():
		if ctx.Err() != nil {
			return nil, apperrors.IO("journal query canceled", ctx.Err())
		}
		return nil, apperrors.Timeout(nativeBackendName, timeout)
	}
}

func (b *NativeBackend) run(ctx context.Context, unit string, filter Filter) (*Result, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, mapNativeError("open journal", err)
	}
	defer j.Close()

	if unit != "" {
		for i, field := range unitMatchFields {
			if i > 0 {
				if err := j.AddDisjunction(); err != nil {
					return nil, mapNativeError("add disjunction", err)
				}
			}
			if err := j.AddMatch(field + "=" + unit); err != nil {
				return nil, mapNativeError("add match", err)
			}
		}
	}

	if filter.Until.IsZero() {
		err = j.SeekTail()
	} else {
		err = j.SeekRealtimeUsec(uint64(filter.Until.UnixMicro()))
	}
	if err != nil {
		return nil, mapNativeError("seek", err)
	}

	// Walk backwards over the newest Limit+1 records, the same page a
	// `journalctl --lines=Limit+1` would print, keeping only what fits in
	// MaxBytes, then replay them in order.
	window := newTailWindow(filter.MaxBytes)
	for seen := 0; seen < filter.Limit+1; seen++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := j.Previous()
		if err != nil {
			return nil, mapNativeError("read previous entry", err)
		}
		if n == 0 {
			break
		}
		if filter.AfterCursor != "" && j.TestCursor(filter.AfterCursor) == nil {
			break
		}

		entry, err := j.GetEntry()
		if err != nil {
			return nil, mapNativeError("read entry", err)
		}
		if !filter.Since.IsZero() && entry.RealtimeTimestamp < uint64(filter.Since.UnixMicro()) {
			break
		}
		window.add(newNativeRecord(entry.Fields, entry.RealtimeTimestamp, entry.Cursor))
	}

	col := newCollector(filter)
	if err := window.replay(col); err != nil {
		return nil, err
	}
	if col.truncated {
		b.log.Debugw("journal query stopped early", "unit", unit, "lines_read", col.stats.LinesRead)
	}
	return col.result(), nil
}

func mapNativeError(op string, err error) error {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) ||
		strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return apperrors.PermissionDenied("read_journal", fmt.Sprintf("%s: %v", op, err))
	}
	if strings.Contains(err.Error(), "dlopen") || strings.Contains(err.Error(), "libsystemd") {
		return apperrors.BackendUnavailable(nativeBackendName, err.Error())
	}
	return apperrors.IO("sdjournal "+op, err)
}
