// Package systemd is a control-plane client for the systemd service manager.
// It enqueues jobs and waits for their outcome, reads unit status, manages
// unit files and drop-ins, and observes unit failures.
package systemd

import (
	"context"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"

	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/unitfile"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// Options configures a Client. Zero fields take the defaults.
type Options struct {
	CallTimeout    time.Duration
	JournalTimeout time.Duration
	JobPollInitial time.Duration
	JobPollMax     time.Duration
	SystemDir      string
	JournalBackend string
}

// DefaultOptions returns the default client options.
func DefaultOptions() Options {
	return Options{
		CallTimeout:    DefaultCallTimeout,
		JournalTimeout: journal.DefaultTimeout,
		JobPollInitial: DefaultPollInitial,
		JobPollMax:     DefaultPollMax,
		SystemDir:      unitfile.DefaultSystemDir,
		JournalBackend: journal.KindCLI,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.JournalTimeout <= 0 {
		o.JournalTimeout = d.JournalTimeout
	}
	if o.JobPollInitial <= 0 {
		o.JobPollInitial = d.JobPollInitial
	}
	if o.JobPollMax <= 0 {
		o.JobPollMax = d.JobPollMax
	}
	if o.SystemDir == "" {
		o.SystemDir = d.SystemDir
	}
	if o.JournalBackend == "" {
		o.JournalBackend = d.JournalBackend
	}
	return o
}

// Client talks to the service manager over a Bus and to the journal over a
// journal.Backend. It is safe for concurrent use.
type Client struct {
	bus     Bus
	journal journal.Backend
	files   *unitfile.Store
	opts    Options
	jitter  func(jobPath string) JitterSource
	log     *zap.SugaredLogger
}

// Option customizes a Client built by New.
type Option func(*Client)

// WithJitter replaces the poll jitter source factory.
func WithJitter(f func(jobPath string) JitterSource) Option {
	return func(c *Client) {
		c.jitter = f
	}
}

// New builds a client over an existing bus and journal backend.
func New(bus Bus, jb journal.Backend, opts Options, options ...Option) *Client {
	opts = opts.withDefaults()
	c := &Client{
		bus:     bus,
		journal: jb,
		files:   unitfile.NewStore(opts.SystemDir),
		opts:    opts,
		jitter: func(jobPath string) JitterSource {
			return NewJitter(jitterSeed(jobPath))
		},
		log: logger.For("systemd"),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Connect dials the system bus and selects the configured journal backend.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	jb, err := journal.New(opts.JournalBackend, opts.JournalTimeout)
	if err != nil {
		return nil, err
	}
	bus, err := Dial(ctx, opts.CallTimeout)
	if err != nil {
		return nil, err
	}
	c := New(bus, jb, opts)
	c.log.Infow("connected to system bus", "journal_backend", jb.Name(), "system_dir", opts.SystemDir)
	return c, nil
}

// Close releases the bus connection. Outstanding handles become unusable.
func (c *Client) Close() {
	c.bus.Close()
}

// Options returns the effective options.
func (c *Client) Options() Options {
	return c.opts
}

// Files returns the unit file store.
func (c *Client) Files() *unitfile.Store {
	return c.files
}

// Journal runs a bounded journal query. A unit filter is canonicalized and
// a zero timeout takes the client's journal timeout.
func (c *Client) Journal(ctx context.Context, filter journal.Filter) (*journal.Result, error) {
	if filter.Unit != "" {
		name, err := unitname.Canonicalize(filter.Unit)
		if err != nil {
			return nil, err
		}
		filter.Unit = name
	}
	if filter.Timeout == 0 {
		filter.Timeout = c.opts.JournalTimeout
	}
	return c.journal.Query(ctx, filter)
}

// JournalBackend returns the name of the journal backend.
func (c *Client) JournalBackend() string {
	return c.journal.Name()
}

// StartTransient creates and starts a transient unit with props. The name
// must already be canonical.
func (c *Client) StartTransient(ctx context.Context, name string, props []sddbus.Property) (*JobHandle, error) {
	if err := unitname.ValidateUnitFileName(name); err != nil {
		return nil, err
	}
	result := make(chan string, 1)
	path, err := c.bus.StartTransientUnit(ctx, name, ModeReplace, props, result)
	if err != nil {
		return nil, err
	}
	c.log.Infow("transient unit started", "unit", name, "job", path)
	return newJobHandle(c, name, path, JobStart, result), nil
}
