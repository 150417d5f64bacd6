package journal

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

// Default bounds applied by DefaultFilter.
const (
	DefaultLimit           = 200
	DefaultMaxBytes        = 1024 * 1024
	DefaultMaxMessageBytes = 16 * 1024
	DefaultTimeout         = 10 * time.Second
)

// Backend runs bounded journal queries.
type Backend interface {
	Name() string
	Query(ctx context.Context, filter Filter) (*Result, error)
}

// ParseErrorMode decides what a query does with a malformed record.
// The zero value fails fast.
type ParseErrorMode struct {
	Skip       bool `json:"skip"`
	MaxSkipped int  `json:"max_skipped,omitempty"`
}

// FailFast aborts the query on the first malformed record.
func FailFast() ParseErrorMode {
	return ParseErrorMode{}
}

// SkipUpTo skips up to max malformed records; one more is fatal.
func SkipUpTo(max int) ParseErrorMode {
	return ParseErrorMode{Skip: true, MaxSkipped: max}
}

// Filter describes one journal query. Limit, MaxBytes and MaxMessageBytes
// must all be positive.
type Filter struct {
	Unit            string         `json:"unit,omitempty"`
	Since           time.Time      `json:"since,omitempty"`
	Until           time.Time      `json:"until,omitempty"`
	AfterCursor     string         `json:"after_cursor,omitempty"`
	Limit           int            `json:"limit"`
	MaxBytes        int            `json:"max_bytes"`
	MaxMessageBytes int            `json:"max_message_bytes"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
	ParseErrors     ParseErrorMode `json:"parse_errors"`
}

// DefaultFilter returns a filter with the default bounds and no scope.
func DefaultFilter() Filter {
	return Filter{
		Limit:           DefaultLimit,
		MaxBytes:        DefaultMaxBytes,
		MaxMessageBytes: DefaultMaxMessageBytes,
	}
}

// Validate rejects a filter before any I/O is attempted.
func (f Filter) Validate() error {
	if f.Limit <= 0 {
		return apperrors.InvalidInput("limit must be > 0")
	}
	if f.MaxBytes <= 0 {
		return apperrors.InvalidInput("max_bytes must be > 0")
	}
	if f.MaxMessageBytes <= 0 {
		return apperrors.InvalidInput("max_message_bytes must be > 0")
	}
	if f.Timeout < 0 {
		return apperrors.InvalidInput("timeout must not be negative")
	}
	if f.ParseErrors.MaxSkipped < 0 {
		return apperrors.InvalidInput("max_skipped must not be negative")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return apperrors.InvalidInput("until must not be before since")
	}
	return nil
}

// Fields holds the raw value of every field of an entry.
type Fields map[string][]byte

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON renders values as (lossy) UTF-8 strings instead of base64.
func (f Fields) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k] = strings.ToValidUTF8(string(v), "\uFFFD")
	}
	return json.Marshal(out)
}

// Entry is one normalized journal record.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Cursor           string    `json:"cursor,omitempty"`
	Message          *string   `json:"message,omitempty"`
	MessageTruncated bool      `json:"message_truncated,omitempty"`
	Priority         *uint8    `json:"priority,omitempty"`
	Unit             string    `json:"unit,omitempty"`
	PID              *uint32   `json:"pid,omitempty"`
	Fields           Fields    `json:"fields"`
}

// Stats counts what a query consumed.
type Stats struct {
	BytesRead    int `json:"bytes_read"`
	LinesRead    int `json:"lines_read"`
	ParseErrors  int `json:"parse_errors"`
	SkippedLines int `json:"skipped_lines"`
}

// Result is the bounded outcome of a query. Truncated is set whenever a
// bound stopped collection early.
type Result struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"next_cursor,omitempty"`
	Truncated  bool    `json:"truncated"`
	Stats      Stats   `json:"stats"`
}
