// Package coordinates caches per-engine inference addresses ("coordinates")
// for streaming synthesis.
//
// A coordinate is obtained from a [Generator] (usually the PlayHT auth
// endpoint) and carries an expiry. [Cache.Resolve] returns a cached address
// while it is valid and otherwise generates a new one, retrying failed
// generations with a linear backoff. Concurrent resolutions of the same
// (engine, user) key share one generation. Every successful generation
// schedules a background refresh ahead of expiry so that callers rarely wait.
package coordinates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/playht/internal/observe"
)

// Built-in settings.
const (
	DefaultMinimalRefreshFrequency = 60 * time.Second
	DefaultAdvanceRefreshTime      = 300 * time.Second
	DefaultMaxRetries              = 3

	// expirySkew is how long past its expiry an entry is still served.
	expirySkew = 5 * time.Second

	defaultBackoffUnit = 500 * time.Millisecond
)

// ErrNoGenerator is returned when neither the cache nor the call supplies a
// [Generator].
var ErrNoGenerator = errors.New("coordinates: no generator configured")

// Entry is one generated coordinate.
type Entry struct {
	// Address is the inference endpoint URL.
	Address string

	// ExpiresAt is when the server stops honouring Address.
	ExpiresAt time.Time
}

// validAt reports whether e may still be served at now.
func (e Entry) validAt(now time.Time) bool {
	return !now.After(e.ExpiresAt.Add(expirySkew))
}

// Credentials identify the account a coordinate is generated for.
type Credentials struct {
	UserID string
	APIKey string
}

// Generator produces a fresh coordinate for engine.
type Generator interface {
	Generate(ctx context.Context, engine, userID, apiKey string) (Entry, error)
}

// GeneratorFunc adapts a function to [Generator].
type GeneratorFunc func(ctx context.Context, engine, userID, apiKey string) (Entry, error)

// Generate implements [Generator].
func (f GeneratorFunc) Generate(ctx context.Context, engine, userID, apiKey string) (Entry, error) {
	return f(ctx, engine, userID, apiKey)
}

// Settings tune generation and refresh. Zero fields fall back to the cache
// defaults, then to the built-in values.
type Settings struct {
	// MinimalRefreshFrequency is the shortest delay before a refresh.
	MinimalRefreshFrequency time.Duration

	// AdvanceRefreshTime is how long before expiry a refresh is scheduled.
	AdvanceRefreshTime time.Duration

	// MaxRetries is the number of retries after a failed generation. Nil
	// means unset; use [Retries] to set it, including to zero.
	MaxRetries *int

	// Generator replaces the cache's generator.
	Generator Generator
}

// Retries returns a pointer to n for [Settings.MaxRetries].
func Retries(n int) *int {
	return &n
}

// merge returns s with the non-zero fields of o applied.
func (s Settings) merge(o *Settings) Settings {
	if o == nil {
		return s
	}
	if o.MinimalRefreshFrequency > 0 {
		s.MinimalRefreshFrequency = o.MinimalRefreshFrequency
	}
	if o.AdvanceRefreshTime > 0 {
		s.AdvanceRefreshTime = o.AdvanceRefreshTime
	}
	if o.MaxRetries != nil {
		s.MaxRetries = Retries(max(0, *o.MaxRetries))
	}
	if o.Generator != nil {
		s.Generator = o.Generator
	}
	return s
}

// Option configures a [Cache].
type Option func(*Cache)

// WithDefaults sets cache-wide settings used when a call does not override
// them.
func WithDefaults(s Settings) Option {
	return func(c *Cache) { c.defaults = c.defaults.merge(&s) }
}

// WithClock sets the time source used for expiry checks. Defaults to
// [time.Now].
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBackoffUnit sets the linear retry step. The n-th retry waits n units.
// Defaults to 500ms.
func WithBackoffUnit(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.unit = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// key identifies one cache slot.
type key struct {
	engine string
	user   string
}

func (k key) String() string { return k.engine + "\x00" + k.user }

// Cache holds coordinates per (engine, user). It is safe for concurrent use.
type Cache struct {
	defaults Settings
	now      func() time.Time
	unit     time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[key]Entry
	timers  map[key]*time.Timer
	closed  bool

	// ctx bounds every generation and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Cache that generates coordinates with gen. gen may be nil if
// every call supplies [Settings.Generator].
func New(gen Generator, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		defaults: Settings{
			MinimalRefreshFrequency: DefaultMinimalRefreshFrequency,
			AdvanceRefreshTime:      DefaultAdvanceRefreshTime,
			MaxRetries:              Retries(DefaultMaxRetries),
			Generator:               gen,
		},
		now:     time.Now,
		unit:    defaultBackoffUnit,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
		entries: make(map[key]Entry),
		timers:  make(map[key]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "coordinates")
	return c
}

// Resolve returns the inference address for engine and the user in creds.
// A valid cached entry is returned without contacting the generator.
// Otherwise exactly one generation runs per key no matter how many callers
// are waiting; all of them receive its outcome. override, if non-nil, takes
// precedence over the cache defaults.
//
// Generation is not bound to ctx: a caller that gives up does not abort a
// generation other callers share. Resolve returns ctx's error in that case.
func (c *Cache) Resolve(ctx context.Context, engine string, creds Credentials, override *Settings) (string, error) {
	if engine == "" {
		return "", errors.New("coordinates: engine must not be empty")
	}
	k := key{engine: engine, user: creds.UserID}
	if e, ok := c.lookup(k); ok {
		c.metrics.RecordCoordinateResolution(ctx, engine, "hit")
		return e.Address, nil
	}

	st := c.defaults.merge(override)
	if st.Generator == nil {
		return "", ErrNoGenerator
	}

	ch := c.group.DoChan(k.String(), func() (any, error) {
		return c.generate(k, creds, st, false)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Entry).Address, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Lookup returns the cached entry for engine and userID, if still valid.
func (c *Cache) Lookup(engine, userID string) (Entry, bool) {
	return c.lookup(key{engine: engine, user: userID})
}

func (c *Cache) lookup(k key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok || !e.validAt(c.now()) {
		return Entry{}, false
	}
	return e, true
}

// generate runs inside the key's flight. Unless force is set a valid entry
// stored by an earlier flight is reused.
func (c *Cache) generate(k key, creds Credentials, st Settings, force bool) (Entry, error) {
	if !force {
		if e, ok := c.lookup(k); ok {
			return e, nil
		}
	}

	attempts := 0
	op := func() (Entry, error) {
		attempts++
		e, err := st.Generator.Generate(c.ctx, k.engine, creds.UserID, creds.APIKey)
		if err != nil {
			return Entry{}, err
		}
		if e.Address == "" {
			return Entry{}, errors.New("generator returned an empty address")
		}
		return e, nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("coordinate generation failed, retrying",
			"engine", k.engine, "attempt", attempts, "wait", wait, "err", err)
	}

	e, err := backoff.Retry(c.ctx, op,
		backoff.WithBackOff(&linearBackOff{unit: c.unit}),
		backoff.WithMaxTries(uint(*st.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		c.metrics.RecordCoordinateResolution(context.Background(), k.engine, "error")
		return Entry{}, fmt.Errorf("coordinates: generate %s coordinates (%d attempts): %w", k.engine, attempts, err)
	}

	status := "ok"
	if force {
		status = "refresh"
	}
	c.metrics.RecordCoordinateResolution(context.Background(), k.engine, status)
	c.store(k, e, creds, st)
	return e, nil
}

// store saves e and (re)schedules the key's refresh timer.
func (c *Cache) store(k key, e Entry, creds Credentials, st Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.entries[k] = e

	delay := max(st.MinimalRefreshFrequency, e.ExpiresAt.Sub(c.now())-st.AdvanceRefreshTime)
	if t, ok := c.timers[k]; ok {
		t.Stop()
	}
	c.timers[k] = time.AfterFunc(delay, func() { c.refresh(k, creds, st) })
	c.logger.Debug("coordinates stored",
		"engine", k.engine, "expires_at", e.ExpiresAt, "refresh_in", delay)
}

// refresh regenerates the key's entry through its flight. A failure leaves
// the current entry in place until it expires.
func (c *Cache) refresh(k key, creds Credentials, st Settings) {
	if c.ctx.Err() != nil {
		return
	}
	res := <-c.group.DoChan(k.String(), func() (any, error) {
		return c.generate(k, creds, st, true)
	})
	if res.Err != nil && c.ctx.Err() == nil {
		c.logger.Warn("coordinate refresh failed", "engine", k.engine, "err", res.Err)
	}
}

// Close stops all refresh timers and aborts generations in progress. The
// cache must not be used afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for k, t := range c.timers {
		t.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()
	c.cancel()
}

// linearBackOff waits n units before the n-th retry.
type linearBackOff struct {
	unit time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.unit
}

func (b *linearBackOff) Reset() { b.n = 0 }
