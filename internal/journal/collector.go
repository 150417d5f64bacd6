package journal

// collector enforces the query bounds over a stream of records. Every
// record counts toward LinesRead; a record that would overflow MaxBytes or
// Limit stops collection and marks the result truncated without being
// counted in BytesRead.
type collector struct {
	filter    Filter
	entries   []Entry
	stats     Stats
	truncated bool
	skipped   int
}

func newCollector(filter Filter) *collector {
	capHint := filter.Limit
	if capHint > 1024 {
		capHint = 1024
	}
	return &collector{
		filter:  filter,
		entries: make([]Entry, 0, capHint),
	}
}

// pushLine feeds one JSON line. It returns stop=true once collection must
// end; err is non-nil only for a fatal parse error.
func (c *collector) pushLine(line []byte) (stop bool, err error) {
	return c.push(len(line), func() (*Entry, error) {
		return parseLine(line, c.filter.MaxMessageBytes)
	})
}

func (c *collector) push(size int, parse func() (*Entry, error)) (bool, error) {
	c.stats.LinesRead++

	if c.stats.BytesRead+size > c.filter.MaxBytes {
		c.truncated = true
		return true, nil
	}
	if len(c.entries) >= c.filter.Limit {
		c.truncated = true
		return true, nil
	}
	c.stats.BytesRead += size

	entry, err := parse()
	if err != nil {
		c.stats.ParseErrors++
		if !c.filter.ParseErrors.Skip {
			return true, err
		}
		c.stats.SkippedLines++
		c.skipped++
		if c.skipped > c.filter.ParseErrors.MaxSkipped {
			return true, err
		}
		return false, nil
	}

	c.entries = append(c.entries, *entry)
	return false, nil
}

// markTruncated records an early stop decided outside the collector, such
// as an oversized line that was never fully read.
func (c *collector) markTruncated() {
	c.stats.LinesRead++
	c.truncated = true
}

func (c *collector) result() *Result {
	res := &Result{
		Entries:   c.entries,
		Truncated: c.truncated,
		Stats:     c.stats,
	}
	if n := len(c.entries); n > 0 {
		res.NextCursor = c.entries[n-1].Cursor
	}
	return res
}
