package journal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

const cliBackendName = "journalctl"

// CLIBackend reads the journal through `journalctl --output=json`.
type CLIBackend struct {
	// Binary is the journalctl executable. Empty means "journalctl" on PATH.
	Binary string
	// Timeout applies to filters that carry none.
	Timeout time.Duration

	log *zap.SugaredLogger
}

// NewCLIBackend creates a journalctl backend.
func NewCLIBackend(timeout time.Duration) *CLIBackend {
	return &CLIBackend{
		Timeout: timeout,
		log:     logger.For("journal.cli"),
	}
}

// Name implements Backend.
func (b *CLIBackend) Name() string {
	return cliBackendName
}

// Query implements Backend.
func (b *CLIBackend) Query(ctx context.Context, filter Filter) (*Result, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	args, err := cliArgs(filter)
	if err != nil {
		return nil, err
	}

	timeout := effectiveTimeout(filter.Timeout, b.Timeout)
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary := b.Binary
	if binary == "" {
		binary = cliBackendName
	}

	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.IO("failed to open journalctl stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.IO("failed to open journalctl stderr", err)
	}

	if err := cmd.Start(); err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return nil, apperrors.BackendUnavailable(cliBackendName, err.Error())
		case errors.Is(err, fs.ErrPermission):
			return nil, apperrors.PermissionDenied("read_journal", err.Error())
		default:
			return nil, apperrors.IO("failed to start journalctl", err)
		}
	}

	stopKill := context.AfterFunc(qctx, func() {
		_ = cmd.Process.Kill()
	})
	defer stopKill()

	stderrBuf := &cappedBuffer{max: apperrors.MaxStderrBytes}
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stderrBuf, stderr)
		return err
	})

	col := newCollector(filter)
	collectErr := collectLines(stdout, col)
	// A kill on deadline or cancel usually cuts the last line in half, so
	// the parse error that follows is a symptom, not the cause.
	expired := qctx.Err() != nil && !col.truncated

	stoppedEarly := col.truncated || collectErr != nil
	if stoppedEarly {
		b.logger().Debugw("stopping journalctl early", "truncated", col.truncated, "lines_read", col.stats.LinesRead)
		_ = cmd.Process.Kill()
	}

	_ = g.Wait()
	waitErr := cmd.Wait()

	if expired || (waitErr != nil && !stoppedEarly && qctx.Err() != nil) {
		if ctx.Err() != nil {
			return nil, apperrors.IO("journal query canceled", ctx.Err())
		}
		return nil, apperrors.Timeout(cliBackendName, timeout)
	}
	if collectErr != nil {
		return nil, collectErr
	}
	if col.truncated {
		return col.result(), nil
	}

	if waitErr != nil {
		var code *int
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
			c := exitErr.ExitCode()
			code = &c
		}
		return nil, classifyExit(stderrBuf.String(), filter.AfterCursor != "", code)
	}

	return col.result(), nil
}

func (b *CLIBackend) logger() *zap.SugaredLogger {
	if b.log == nil {
		b.log = logger.For("journal.cli")
	}
	return b.log
}

func cliArgs(filter Filter) ([]string, error) {
	args := []string{"--no-pager", "--output=json"}

	if filter.Unit != "" {
		unit, err := unitname.Canonicalize(filter.Unit)
		if err != nil {
			return nil, err
		}
		args = append(args, "-u", unit)
	}
	if !filter.Since.IsZero() {
		args = append(args, "--since=@"+strconv.FormatInt(filter.Since.Unix(), 10))
	}
	if !filter.Until.IsZero() {
		args = append(args, "--until=@"+strconv.FormatInt(filter.Until.Unix(), 10))
	}
	if filter.AfterCursor != "" {
		if err := unitname.ValidateNoControl("cursor", filter.AfterCursor); err != nil {
			return nil, err
		}
		args = append(args, "--after-cursor="+filter.AfterCursor)
	}

	// One extra line tells a full page apart from a truncated one.
	args = append(args, "--lines="+strconv.Itoa(filter.Limit+1))
	return args, nil
}

func collectLines(r io.Reader, col *collector) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		remaining := col.filter.MaxBytes - col.stats.BytesRead
		line, over, err := readLine(br, remaining+1)
		if over {
			col.markTruncated()
			return nil
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			stop, perr := col.pushLine(line)
			if perr != nil {
				return perr
			}
			if stop {
				return nil
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return apperrors.IO("failed to read journalctl output", err)
		}
	}
}

// readLine reads up to and including the next newline. It gives up without
// buffering further once the line grows past limit bytes.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			return nil, true, nil
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, false, err
	}
}

// classifyExit maps journalctl stderr text onto the error taxonomy. The
// substrings are upstream conventions; anything unrecognized is a process error.
func classifyExit(stderr string, wantCursor bool, code *int) error {
	lower := strings.ToLower(stderr)

	if wantCursor && strings.Contains(lower, "after-cursor") &&
		(strings.Contains(lower, "unknown") || strings.Contains(lower, "unrecognized") || strings.Contains(lower, "invalid option")) {
		excerpt, _ := apperrors.TruncateUTF8(strings.TrimSpace(stderr), apperrors.MaxStderrBytes)
		return apperrors.BackendUnavailable("journalctl(after-cursor)", excerpt)
	}

	if strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "access denied") {
		excerpt, _ := apperrors.TruncateUTF8(strings.TrimSpace(stderr), apperrors.MaxStderrBytes)
		return apperrors.PermissionDenied("read_journal", excerpt)
	}

	return apperrors.Process(cliBackendName, code, stderr)
}

func effectiveTimeout(filterTimeout, backendTimeout time.Duration) time.Duration {
	if filterTimeout > 0 {
		return filterTimeout
	}
	if backendTimeout > 0 {
		return backendTimeout
	}
	return DefaultTimeout
}

// cappedBuffer keeps the first max bytes written and discards the rest,
// so the writer never blocks a draining copy.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	s, _ := apperrors.TruncateUTF8(c.buf.String(), c.max)
	return s
}
