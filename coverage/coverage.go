// Package coverage turns stored measurements into weighted points for a
// heat style overlay. Every point is weighted on its own: there is no
// smoothing or interpolation between measurements.
package coverage

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hb9tf/meshsurvey/survey"
)

// Range is the fixed RSSI window mapped onto weights 0..1. It is shared with
// the rendering side so colours compare across sessions.
type Range struct {
	MinRSSI int `toml:"min_rssi" json:"minRssi"`
	MaxRSSI int `toml:"max_rssi" json:"maxRssi"`
}

// DefaultRange roughly spans a LoRa link from unusable to next to the repeater.
var DefaultRange = Range{MinRSSI: -120, MaxRSSI: -40}

func (r Range) Validate() error {
	if r.MaxRSSI <= r.MinRSSI {
		return fmt.Errorf("invalid rssi range [%d, %d]", r.MinRSSI, r.MaxRSSI)
	}
	return nil
}

// Normalize maps rssi linearly onto 0..1, clamping outside the range.
func (r Range) Normalize(rssi int) float64 {
	switch {
	case rssi <= r.MinRSSI:
		return 0
	case rssi >= r.MaxRSSI:
		return 1
	}
	return float64(rssi-r.MinRSSI) / float64(r.MaxRSSI-r.MinRSSI)
}

// Point weights a single measurement.
func (r Range) Point(m survey.Measurement) survey.Point {
	return survey.Point{
		Lat:    m.Latitude,
		Lon:    m.Longitude,
		Weight: r.Normalize(m.RSSI),
	}
}

// Build maps measurements onto a surface in the order given.
func (r Range) Build(measurements []survey.Measurement) []survey.Point {
	points := make([]survey.Point, 0, len(measurements))
	for _, m := range measurements {
		points = append(points, r.Point(m))
	}
	return points
}

type Querier interface {
	QueryMeasurements(ctx context.Context, targetNodeID int64, sessionID string) ([]survey.Measurement, error)
}

type Key struct {
	TargetNodeID int64
	SessionID    string
}

// Update announces a point appended to a surface.
type Update struct {
	Key   Key
	Point survey.Point
	// Total is the number of points on the surface after the update.
	Total int
	// Rebuilt is set when the surface was recomputed from the store instead
	// of appended to. Subscribers should refetch.
	Rebuilt bool
}

type surface struct {
	points []survey.Point
	lastID int64
	last   survey.Measurement
}

// entry tracks one cached key. gen is bumped by every append to the key so a
// rebuild that raced with one never installs a stale surface.
type entry struct {
	surface *surface
	gen     uint64
}

// MaxSurfaces bounds the number of cached surfaces. Evicted surfaces are
// rebuilt from the store on next use.
const MaxSurfaces = 1024

// Aggregator caches one surface per (target, session) and keeps it in step
// with the store. Returned slices are shared snapshots and must not be modified.
type Aggregator struct {
	store Querier
	rng   Range

	mu      sync.Mutex
	entries *lru.Cache[Key, *entry]
	subs    map[Key][]chan Update
}

func New(store Querier, rng Range) *Aggregator {
	// Only fails for a non-positive size.
	entries, _ := lru.New[Key, *entry](MaxSurfaces)
	return &Aggregator{
		store:   store,
		rng:     rng,
		entries: entries,
		subs:    map[Key][]chan Update{},
	}
}

func (a *Aggregator) Range() Range {
	return a.rng
}

// Rebuild recomputes the surface from the store. It retries when the key
// changed while the store was queried.
func (a *Aggregator) Rebuild(ctx context.Context, targetNodeID int64, sessionID string) ([]survey.Point, error) {
	key := Key{TargetNodeID: targetNodeID, SessionID: sessionID}
	for {
		a.mu.Lock()
		e, ok := a.entries.Get(key)
		if !ok {
			e = &entry{}
			a.entries.Add(key, e)
		}
		gen := e.gen
		a.mu.Unlock()

		measurements, err := a.store.QueryMeasurements(ctx, targetNodeID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("unable to query measurements: %w", err)
		}
		s := &surface{points: a.rng.Build(measurements)}
		if n := len(measurements); n > 0 {
			s.last = measurements[n-1]
			s.lastID = s.last.ID
		}

		a.mu.Lock()
		cur, ok := a.entries.Peek(key)
		if ok && cur == e && e.gen == gen {
			e.surface = s
			a.mu.Unlock()
			return snapshot(s.points), nil
		}
		a.mu.Unlock()
		glog.V(2).Infof("surface %+v changed during rebuild, retrying", key)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Surface returns the cached surface, building it on first use.
func (a *Aggregator) Surface(ctx context.Context, targetNodeID int64, sessionID string) ([]survey.Point, error) {
	a.mu.Lock()
	e, ok := a.entries.Get(Key{TargetNodeID: targetNodeID, SessionID: sessionID})
	if ok && e.surface != nil {
		points := snapshot(e.surface.points)
		a.mu.Unlock()
		return points, nil
	}
	a.mu.Unlock()
	return a.Rebuild(ctx, targetNodeID, sessionID)
}

// AppendAndRebuild folds a freshly stored measurement into its surface. The
// result always equals what Rebuild would return for the store's contents:
// when m does not sort after the cached tail the surface is rebuilt instead.
func (a *Aggregator) AppendAndRebuild(ctx context.Context, m survey.Measurement) ([]survey.Point, error) {
	key := Key{TargetNodeID: m.TargetNodeID, SessionID: m.SessionID}

	a.mu.Lock()
	e, ok := a.entries.Get(key)
	if ok {
		e.gen++
	}
	cached := ok && e.surface != nil
	if cached && sortsAfter(m, e.surface.last, len(e.surface.points) == 0) {
		s := e.surface
		p := a.rng.Point(m)
		s.points = append(s.points, p)
		s.last, s.lastID = m, m.ID
		points := snapshot(s.points)
		a.publishLocked(Update{Key: key, Point: p, Total: len(points)})
		a.mu.Unlock()
		return points, nil
	}
	a.mu.Unlock()

	if cached {
		glog.V(1).Infof("measurement %d out of order for %+v, rebuilding surface", m.ID, key)
	}
	points, err := a.Rebuild(ctx, m.TargetNodeID, m.SessionID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.publishLocked(Update{Key: key, Point: a.rng.Point(m), Total: len(points), Rebuilt: true})
	a.mu.Unlock()
	return points, nil
}

// Forget drops every cached surface of a session. Later reads rebuild from
// the store.
func (a *Aggregator) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.entries.Keys() {
		if key.SessionID == sessionID {
			a.entries.Remove(key)
		}
	}
}

// Cached returns the number of surfaces held in memory.
func (a *Aggregator) Cached() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries.Len()
}

// sortsAfter reports whether m comes after last in store order (timestamp, id).
func sortsAfter(m, last survey.Measurement, empty bool) bool {
	if empty {
		return true
	}
	if m.ID == last.ID {
		return false
	}
	if m.Timestamp.Equal(last.Timestamp) {
		return m.ID > last.ID
	}
	return m.Timestamp.After(last.Timestamp)
}

// Subscribe delivers updates for key until ctx ends. Slow subscribers miss
// updates rather than stall collection.
func (a *Aggregator) Subscribe(ctx context.Context, key Key, buffer int) <-chan Update {
	ch := make(chan Update, buffer)
	a.mu.Lock()
	a.subs[key] = append(a.subs[key], ch)
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		chans := a.subs[key]
		filtered := chans[:0]
		for _, existing := range chans {
			if existing != ch {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == 0 {
			delete(a.subs, key)
		} else {
			a.subs[key] = filtered
		}
		close(ch)
	}()
	return ch
}

func (a *Aggregator) publishLocked(u Update) {
	for _, ch := range a.subs[u.Key] {
		select {
		case ch <- u:
		default:
		}
	}
}

// snapshot caps the capacity so appends by either side never alias.
func snapshot(points []survey.Point) []survey.Point {
	return points[:len(points):len(points)]
}
