package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
)

// queryDuration reads a Go duration or a number of seconds.
func queryDuration(c *gin.Context, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, apperrors.InvalidInput("%s must be > 0", key)
		}
		return d, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, apperrors.InvalidInput("invalid %s %q", key, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// queryInt reads a positive integer.
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.InvalidInput("invalid %s %q", key, raw)
	}
	return n, nil
}

// queryTime reads an RFC 3339 timestamp, unix seconds, or a duration meaning
// "that long ago".
func queryTime(c *gin.Context, key string, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, apperrors.InvalidInput("invalid %s %q", key, raw)
}

// queryList splits a comma separated parameter, dropping empty items.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, item := range strings.Split(c.Query(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// journalFilter builds a journal filter from the request. skip=N tolerates
// up to N malformed records; without it a malformed record fails the query.
func journalFilter(c *gin.Context, unit string) (journal.Filter, error) {
	f := journal.DefaultFilter()
	f.Unit = unit
	now := time.Now()

	var err error
	if f.Since, err = queryTime(c, "since", now); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(c, "until", now); err != nil {
		return f, err
	}
	f.AfterCursor = c.Query("cursor")
	if f.Limit, err = queryInt(c, "limit", journal.DefaultLimit); err != nil {
		return f, err
	}
	if f.MaxBytes, err = queryInt(c, "max_bytes", journal.DefaultMaxBytes); err != nil {
		return f, err
	}
	if c.Query("skip") != "" {
		skip, err := queryInt(c, "skip", 0)
		if err != nil {
			return f, err
		}
		f.ParseErrors = journal.SkipUpTo(skip)
	}
	return f, f.Validate()
}
