// Package dashboard keeps the computed metrics for every
// (team, include following) pair and refreshes them from a
// payload source.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/contactpulse/contactpulse/internal/db"
	"github.com/contactpulse/contactpulse/internal/metrics"
	"github.com/contactpulse/contactpulse/internal/payload"
	"github.com/contactpulse/contactpulse/internal/source"
)

var (
	// ErrStale is returned when a newer fetch for the same key
	// was issued while this one was in flight. Its result is
	// discarded.
	ErrStale = errors.New("stale fetch discarded")
	// ErrNoData is returned when no state exists for a key.
	ErrNoData = errors.New("no data")
)

// Key selects one dashboard view.
type Key struct {
	Team             string `json:"team"`
	IncludeFollowing bool   `json:"include_following"`
}

// Request converts k into a source request.
func (k Key) Request() source.Request {
	return source.Request{Team: k.Team, IncludeFollowing: k.IncludeFollowing}
}

func (k Key) String() string {
	return k.Request().String()
}

// KeyFor converts a source request into a key.
func KeyFor(r source.Request) Key {
	return Key{Team: r.Team, IncludeFollowing: r.IncludeFollowing}
}

// State is an immutable computed view. Callers must not modify
// it.
type State struct {
	Key        Key
	Result     *metrics.Result
	FetchedAt  time.Time
	Hash       string
	Generation uint64
}

// Failure describes the most recent failed refresh of a key.
type Failure struct {
	At  time.Time `json:"at"`
	Err string    `json:"error"`
}

// Store persists fetched payloads. *db.DB implements it.
type Store interface {
	InsertSnapshot(s db.Snapshot) (int64, bool, error)
	LatestSnapshots(ctx context.Context) ([]db.Snapshot, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists every successful fetch and enables Warm.
func WithStore(s Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithErrorSink replaces the default log sink for refresh
// failures.
func WithErrorSink(fn func(Key, error)) Option {
	return func(c *Controller) { c.sink = fn }
}

// WithClock overrides the clock used to stamp fetches.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the per-key states. A failed refresh leaves
// the previous state of its key untouched.
type Controller struct {
	src   source.Source
	store Store
	opts  metrics.Options
	sink  func(Key, error)
	now   func() time.Time

	loads singleflight.Group

	mu       sync.RWMutex
	states   map[Key]*State
	gens     map[Key]uint64
	failures map[Key]Failure
}

// New creates a controller reading payloads from src and
// computing metrics with opts.
func New(
	src source.Source, opts metrics.Options, options ...Option,
) *Controller {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	c := &Controller{
		src:      src,
		opts:     opts,
		now:      time.Now,
		states:   make(map[Key]*State),
		gens:     make(map[Key]uint64),
		failures: make(map[Key]Failure),
	}
	c.sink = func(k Key, err error) {
		log.Printf("refresh %s: %v", k, err)
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// begin issues the next generation for k.
func (c *Controller) begin(k Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[k]++
	return c.gens[k]
}

func (c *Controller) fail(k Key, gen uint64, err error) error {
	c.mu.Lock()
	current := c.gens[k] == gen
	if current {
		c.failures[k] = Failure{At: c.now(), Err: err.Error()}
	}
	c.mu.Unlock()
	if !current {
		return ErrStale
	}
	c.sink(k, err)
	return err
}

// Refresh fetches, decodes and recomputes the view for k.
// It returns ErrStale when a later Refresh of the same key was
// started before this one finished.
func (c *Controller) Refresh(ctx context.Context, k Key) (*State, error) {
	if k.Team == "" {
		return nil, errors.New("refresh: team is empty")
	}
	gen := c.begin(k)

	data, err := c.src.Fetch(ctx, k.Request())
	if err != nil {
		return nil, c.fail(k, gen, err)
	}
	p, err := payload.Decode(data, c.opts.Location)
	if err != nil {
		return nil, c.fail(k, gen, fmt.Errorf("decoding payload: %w", err))
	}

	st := &State{
		Key:        k,
		Result:     metrics.Compute(p, c.opts),
		FetchedAt:  c.now(),
		Hash:       db.HashPayload(data),
		Generation: gen,
	}

	c.mu.Lock()
	if c.gens[k] != gen {
		c.mu.Unlock()
		return nil, ErrStale
	}
	c.states[k] = st
	delete(c.failures, k)
	c.mu.Unlock()

	c.persist(st, data)
	return st, nil
}

func (c *Controller) persist(st *State, data []byte) {
	if c.store == nil {
		return
	}
	sum := st.Result.Summary
	_, _, err := c.store.InsertSnapshot(db.Snapshot{
		Team:             st.Key.Team,
		IncludeFollowing: st.Key.IncludeFollowing,
		FetchedAt:        st.FetchedAt,
		UserCount:        sum.TotalUsers,
		TotalContacts:    sum.TotalContacts,
		PayloadHash:      st.Hash,
		Payload:          data,
	})
	if err != nil {
		log.Printf("storing snapshot for %s: %v", st.Key, err)
	}
}

// State returns the current view for k or ErrNoData.
func (c *Controller) State(k Key) (*State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[k]
	if !ok {
		return nil, fmt.Errorf("%s: %w", k, ErrNoData)
	}
	return st, nil
}

// maxLoadAttempts bounds how often Get refetches after losing to
// a concurrent Refresh of the same key.
const maxLoadAttempts = 3

// Get returns the current view for k, fetching it first when
// none exists yet. Concurrent calls for the same missing key share
// one fetch.
func (c *Controller) Get(ctx context.Context, k Key) (*State, error) {
	if st, err := c.State(k); err == nil {
		return st, nil
	}
	ch := c.loads.DoChan(k.String(), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), k)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*State), nil
	}
}

// load refreshes k until a view exists.
func (c *Controller) load(ctx context.Context, k Key) (*State, error) {
	for range maxLoadAttempts {
		if st, err := c.State(k); err == nil {
			return st, nil
		}
		st, err := c.Refresh(ctx, k)
		if !errors.Is(err, ErrStale) {
			return st, err
		}
	}
	return c.State(k)
}

// LastFailure returns the most recent refresh failure of k
// that has not been cleared by a later success.
func (c *Controller) LastFailure(k Key) (Failure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.failures[k]
	return f, ok
}

// Keys returns every key with a state, sorted.
func (c *Controller) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.states))
	for k := range c.states {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b Key) int {
	if n := strings.Compare(a.Team, b.Team); n != 0 {
		return n
	}
	switch {
	case a.IncludeFollowing == b.IncludeFollowing:
		return 0
	case b.IncludeFollowing:
		return -1
	}
	return 1
}

// Warm loads the newest stored snapshot of every key that has
// no state yet. Snapshots that fail to decode are skipped.
func (c *Controller) Warm(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	snaps, err := c.store.LatestSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading snapshots: %w", err)
	}

	loaded := 0
	for _, s := range snaps {
		k := Key{Team: s.Team, IncludeFollowing: s.IncludeFollowing}
		p, err := payload.Decode(s.Payload, c.opts.Location)
		if err != nil {
			log.Printf("warm start: snapshot %d: %v", s.ID, err)
			continue
		}
		st := &State{
			Key:       k,
			Result:    metrics.Compute(p, c.opts),
			FetchedAt: s.FetchedAt,
			Hash:      s.PayloadHash,
		}
		c.mu.Lock()
		if _, exists := c.states[k]; !exists {
			c.states[k] = st
			loaded++
		}
		c.mu.Unlock()
	}
	return loaded, nil
}

// RefreshAll refreshes every key in keys plus every key with a
// state. Stale results are not errors.
func (c *Controller) RefreshAll(ctx context.Context, keys ...Key) error {
	all := append(c.Keys(), keys...)
	slices.SortFunc(all, compareKeys)
	all = slices.Compact(all)

	var errs []error
	for _, k := range all {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := c.Refresh(ctx, k); err != nil && !errors.Is(err, ErrStale) {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Run refreshes all keys every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration, keys ...Key) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures already went to the sink.
			_ = c.RefreshAll(ctx, keys...)
		}
	}
}

// Invalidate refreshes the keys matching changed source
// requests. It is the callback for source.Watcher.
func (c *Controller) Invalidate(ctx context.Context, reqs []source.Request) {
	for _, r := range reqs {
		k := KeyFor(r)
		if _, err := c.Refresh(ctx, k); err == nil {
			log.Printf("reloaded %s", k)
		}
	}
}
