package journal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

const (
	fieldRealtime       = "__REALTIME_TIMESTAMP"
	fieldSourceRealtime = "_SOURCE_REALTIME_TIMESTAMP"
	fieldCursor         = "__CURSOR"
	fieldMessage        = "MESSAGE"
	fieldPriority       = "PRIORITY"
	fieldPID            = "_PID"
	fieldUnit           = "_SYSTEMD_UNIT"
)

// parseLine decodes one `journalctl --output=json` line.
func parseLine(line []byte, maxMessageBytes int) (*Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperrors.Parse("journal entry", err.Error(), line)
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, apperrors.Parse("journal entry", "expected a JSON object", line)
	}

	entry, err := normalize(raw, maxMessageBytes)
	if err != nil {
		return nil, apperrors.Parse("journal entry", err.Error(), line)
	}
	return entry, nil
}

// normalize folds a decoded record into an Entry. Only a missing or
// unreadable timestamp is fatal.
func normalize(raw map[string]any, maxMessageBytes int) (*Entry, error) {
	ts, ok := timestampField(raw, fieldRealtime)
	if !ok {
		ts, ok = timestampField(raw, fieldSourceRealtime)
	}
	if !ok {
		return nil, fmt.Errorf("missing %s", fieldRealtime)
	}

	entry := &Entry{
		Timestamp: time.UnixMicro(int64(ts)),
		Fields:    make(Fields, len(raw)),
	}

	if c, ok := raw[fieldCursor].(string); ok && c != "" {
		entry.Cursor = c
	}
	if u, ok := raw[fieldUnit].(string); ok && u != "" {
		entry.Unit = u
	}

	switch m := raw[fieldMessage].(type) {
	case nil:
	case string:
		msg, truncated := apperrors.TruncateUTF8(m, maxMessageBytes)
		entry.Message = &msg
		entry.MessageTruncated = truncated
	default:
		b := valueBytes(m)
		truncated := false
		if len(b) > maxMessageBytes {
			b = b[:maxMessageBytes]
			truncated = true
		}
		msg := strings.ToValidUTF8(string(b), "\uFFFD")
		entry.Message = &msg
		entry.MessageTruncated = truncated
	}

	if p, ok := unsignedField(raw, fieldPriority, 8); ok {
		prio := uint8(p)
		entry.Priority = &prio
	}
	if p, ok := unsignedField(raw, fieldPID, 32); ok {
		pid := uint32(p)
		entry.PID = &pid
	}

	for k, v := range raw {
		if v == nil {
			continue
		}
		entry.Fields[k] = valueBytes(v)
	}

	return entry, nil
}

func timestampField(raw map[string]any, key string) (uint64, bool) {
	return unsignedField(raw, key, 64)
}

// unsignedField accepts both the string and the numeric wire form.
func unsignedField(raw map[string]any, key string, bits int) (uint64, bool) {
	var s string
	switch v := raw[key].(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	default:
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// valueBytes converts a decoded JSON value to raw bytes. journalctl encodes
// non-UTF-8 payloads as arrays of byte values; those are packed directly.
// Anything else falls back to its JSON text.
func valueBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []any:
		if b, ok := packByteArray(t); ok {
			return b
		}
	case json.Number:
		return []byte(t.String())
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func packByteArray(items []any) ([]byte, bool) {
	out := make([]byte, 0, len(items))
	for _, item := range items {
		n, ok := item.(json.Number)
		if !ok {
			return nil, false
		}
		b, err := strconv.ParseUint(n.String(), 10, 8)
		if err != nil {
			return nil, false
		}
		out = append(out, byte(b))
	}
	return out, true
}
