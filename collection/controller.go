// Package collection pairs the operator's latest location with a fresh probe
// reading. There is one Controller per session; all of its state is owned by
// a single goroutine and changed only through messages.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"k8s.io/utils/clock"

	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/filter"
	"github.com/hb9tf/meshsurvey/inventory"
	"github.com/hb9tf/meshsurvey/metrics"
	"github.com/hb9tf/meshsurvey/probe"
	"github.com/hb9tf/meshsurvey/store"
	"github.com/hb9tf/meshsurvey/survey"
)

const (
	StateIdle              = "Idle"
	StateManualCollecting  = "Manual-Collecting"
	StateContinuousRunning = "Continuous-Running"
	StateContinuousPaused  = "Continuous-Paused"
)

const (
	DefaultStaleness   = 10 * time.Second
	DefaultMinInterval = time.Second
)

var errClosed = survey.Errorf(survey.ChannelDisconnected, "session closed")

type mode int

const (
	modeIdle mode = iota
	modeRunning
	modePaused
)

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Store     store.Store
	Probe     *probe.Guard
	Inventory inventory.Inventory
	// Coverage is optional. When set, accepted measurements are folded into
	// the session's surface and the new point is reported with the result.
	Coverage *coverage.Aggregator
}

type Options struct {
	// Staleness is the maximum age of the latest fix at attempt time.
	Staleness   time.Duration
	MinInterval time.Duration
	Filters     []filter.Filterer
	Clock       clock.WithTicker
	Metrics     *metrics.Recorder
}

// Controller runs the collection state machine of one session.
type Controller struct {
	sessionID string
	deps      Deps
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// Owned by the run goroutine.
	mode       mode
	target     *inventory.Node
	latest     *survey.LocationSample
	receivedAt time.Time
	count      int
	missed     int
	interval   time.Duration
	ticker     clock.Ticker
	tickReq    string
	inFlight   *attempt
	deliver    Deliverer
}

type attempt struct {
	requestID string
	mode      survey.Mode
	started   time.Time
	target    int64
	location  survey.LocationSample
}

type outcome struct {
	measurement *survey.Measurement
	point       *survey.Point
	err         error
}

// New starts the controller of sessionID. Close must be called to release it.
func New(sessionID string, deps Deps, opts Options) *Controller {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sessionID: sessionID,
		deps:      deps,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) SessionID() string {
	return c.sessionID
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}
		select {
		case f := <-c.cmds:
			f()
		case <-tick:
			c.onTick()
		case <-c.quit:
			c.stopTicker()
			c.deps.Probe.Release(c.sessionID)
			return
		}
	}
}

// call runs f on the controller goroutine and waits for it to finish.
func (c *Controller) call(f func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { f(); close(done) }:
	case <-c.quit:
		return errClosed
	}
	<-done
	return nil
}

// post queues f from a collection goroutine. It is dropped once closed.
func (c *Controller) post(f func()) {
	select {
	case c.cmds <- f:
	case <-c.quit:
	}
}

// Close stops the controller and releases its probe lease. In-flight results
// are discarded.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
	c.cancel()
}

// Attach routes future events to d and returns the current state. The first
// event d sees is an EventHello carrying that state.
func (c *Controller) Attach(d Deliverer) (survey.SessionState, error) {
	var st survey.SessionState
	err := c.call(func() {
		c.deliver = d
		st = c.snapshot()
		c.emit(Event{Type: EventHello, Count: c.count, Missed: c.missed})
	})
	return st, err
}

// Detach handles a lost channel. A running series is paused and has to be
// restarted explicitly once the operator is back.
func (c *Controller) Detach() {
	c.call(func() {
		c.deliver = nil
		if c.mode == modeRunning {
			c.stopTicker()
			c.mode = modePaused
			c.deps.Probe.Release(c.sessionID)
			glog.Infof("Session %s: continuous collection paused on disconnect (count=%d, missed=%d)\n", c.sessionID, c.count, c.missed)
		}
	})
}

func (c *Controller) State() survey.SessionState {
	var st survey.SessionState
	if err := c.call(func() { st = c.snapshot() }); err != nil {
		return survey.SessionState{SessionID: c.sessionID, State: StateIdle}
	}
	return st
}

func (c *Controller) snapshot() survey.SessionState {
	st := survey.SessionState{
		SessionID:        c.sessionID,
		Mode:             survey.ModeManual,
		Connected:        c.deliver != nil,
		State:            c.stateName(),
		MeasurementCount: c.count,
		MissedIntervals:  c.missed,
	}
	if c.target != nil {
		st.TargetNodeID = c.target.ID
	}
	if c.latest != nil {
		l := *c.latest
		st.LatestLocation = &l
	}
	if c.mode != modeIdle {
		st.Mode = survey.ModeContinuous
		st.IntervalSeconds = c.interval.Seconds()
	}
	return st
}

func (c *Controller) stateName() string {
	switch c.mode {
	case modeRunning:
		return StateContinuousRunning
	case modePaused:
		return StateContinuousPaused
	}
	if c.inFlight != nil && c.inFlight.mode == survey.ModeManual {
		return StateManualCollecting
	}
	return StateIdle
}

// UpdateLocation records s as the latest fix unless a filter rejects it.
// Fixes are applied in arrival order.
func (c *Controller) UpdateLocation(s survey.LocationSample) error {
	return c.call(func() {
		if filter.ShouldIgnore(&s, c.opts.Filters) {
			glog.V(2).Infof("Session %s: ignoring location %f,%f (accuracy %.1fm)\n", c.sessionID, s.Latitude, s.Longitude, s.AccuracyMeters)
			c.opts.Metrics.Location(false)
			return
		}
		c.latest = &s
		c.receivedAt = c.opts.Clock.Now()
		c.opts.Metrics.Location(true)
	})
}

// SetTarget selects the node whose coverage is surveyed.
func (c *Controller) SetTarget(ctx context.Context, requestID string, targetNodeID int64) error {
	var err error
	if cerr := c.call(func() {
		err = c.setTarget(ctx, targetNodeID)
		c.ack(requestID, err)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Controller) setTarget(ctx context.Context, targetNodeID int64) error {
	if c.inFlight != nil || c.mode == modeRunning {
		return survey.Errorf(survey.Busy, "cannot change target while collecting")
	}
	node, err := inventory.Target(ctx, c.deps.Inventory, targetNodeID)
	if err != nil {
		if errors.Is(err, inventory.ErrTargetUnknown) {
			return survey.Wrap(survey.TargetUnknown, err, fmt.Sprintf("node %d cannot be surveyed", targetNodeID))
		}
		return survey.Wrap(survey.Internal, err, "inventory lookup failed")
	}
	if err := c.deps.Store.SetSessionTarget(ctx, c.sessionID, node.ID); err != nil {
		return survey.Wrap(survey.StoreFailure, err, "unable to record session target")
	}
	c.target = node
	glog.Infof("Session %s: target set to %s (%d)\n", c.sessionID, node, node.ID)
	return nil
}

// Collect triggers a single collection. Rejections are returned and
// reported right away; the outcome of an accepted attempt is delivered
// once it completes.
func (c *Controller) Collect(requestID string) error {
	var err error
	if cerr := c.call(func() {
		if c.inFlight != nil {
			err = survey.Errorf(survey.Busy, "a collection is already in flight")
			c.reject(requestID, survey.ModeManual, err)
			return
		}
		err = c.begin(requestID, survey.ModeManual)
	}); cerr != nil {
		return cerr
	}
	return err
}

// StartContinuous collects immediately and then on every interval, measured
// from now. A running series is restarted with the new interval.
func (c *Controller) StartContinuous(requestID string, interval time.Duration) error {
	var err error
	if cerr := c.call(func() {
		err = c.startContinuous(requestID, interval)
		c.ack(requestID, err)
		// An attempt already in flight stands in for the immediate one.
		if err == nil && c.inFlight == nil {
			c.onTick()
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Controller) startContinuous(requestID string, interval time.Duration) error {
	switch {
	case interval < c.opts.MinInterval:
		return survey.Errorf(survey.BadRequest, "interval %s is below the minimum of %s", interval, c.opts.MinInterval)
	case c.target == nil:
		return survey.Errorf(survey.NoTarget, "no target node selected")
	case c.inFlight != nil && c.inFlight.mode == survey.ModeManual && c.mode == modeIdle:
		return survey.Errorf(survey.Busy, "a manual collection is in flight")
	}
	if err := c.deps.Probe.Acquire(c.sessionID); err != nil {
		return survey.Wrap(survey.ProbeBusy, err, "probe is leased by another session")
	}
	c.stopTicker()
	c.mode = modeRunning
	c.interval = interval
	c.tickReq = requestID
	c.ticker = c.opts.Clock.NewTicker(interval)
	glog.Infof("Session %s: continuous collection every %s\n", c.sessionID, interval)
	return nil
}

// StopContinuous cancels the series. An attempt in flight still completes
// and its result is delivered.
func (c *Controller) StopContinuous(requestID string) error {
	return c.call(func() {
		if c.mode != modeIdle {
			glog.Infof("Session %s: continuous collection stopped (count=%d, missed=%d)\n", c.sessionID, c.count, c.missed)
		}
		c.stopTicker()
		c.mode = modeIdle
		c.deps.Probe.Release(c.sessionID)
		c.ack(requestID, nil)
	})
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) onTick() {
	if c.mode != modeRunning {
		return
	}
	if c.inFlight != nil {
		c.missed++
		c.opts.Metrics.MissedInterval()
		glog.V(1).Infof("Session %s: skipping tick, collection still in flight (missed=%d)\n", c.sessionID, c.missed)
		return
	}
	c.begin(c.tickReq, survey.ModeContinuous)
}

// begin evaluates freshness at attempt time and hands the probe read and the
// insert to a goroutine.
func (c *Controller) begin(requestID string, m survey.Mode) error {
	now := c.opts.Clock.Now()
	if c.target == nil {
		err := survey.Errorf(survey.NoTarget, "no target node selected")
		c.reject(requestID, m, err)
		return err
	}
	if c.latest == nil {
		err := survey.Errorf(survey.NoFreshLocation, "no location received yet")
		c.reject(requestID, m, err)
		return err
	}
	if age := now.Sub(c.receivedAt); age > c.opts.Staleness {
		err := survey.Errorf(survey.NoFreshLocation, "last location is %s old, limit is %s", age.Round(time.Millisecond), c.opts.Staleness)
		c.reject(requestID, m, err)
		return err
	}

	a := &attempt{
		requestID: requestID,
		mode:      m,
		started:   now,
		target:    c.target.ID,
		location:  *c.latest,
	}
	c.inFlight = a
	go func() {
		out := c.execute(a)
		c.post(func() { c.finish(a, out) })
	}()
	return nil
}

func (c *Controller) execute(a *attempt) outcome {
	ctx := probe.WithTarget(c.ctx, a.target)
	reading, err := c.deps.Probe.Read(ctx, c.sessionID)
	if err != nil {
		if errors.Is(err, probe.ErrBusy) {
			return outcome{err: survey.Wrap(survey.ProbeBusy, err, "probe is leased by another session")}
		}
		return outcome{err: survey.Wrap(survey.ProbeUnavailable, err, "unable to read signal")}
	}

	m := &survey.Measurement{
		TargetNodeID: a.target,
		SessionID:    c.sessionID,
		Latitude:     a.location.Latitude,
		Longitude:    a.location.Longitude,
		Altitude:     a.location.Altitude,
		GPSAccuracy:  a.location.AccuracyMeters,
		RSSI:         reading.RSSI,
		SNR:          reading.SNR,
		Timestamp:    store.Timestamp(a.started),
	}
	id, err := c.deps.Store.InsertMeasurement(c.ctx, m)
	if err != nil {
		glog.Warningf("Session %s: unable to store measurement: %s\n", c.sessionID, err)
		return outcome{err: survey.Wrap(survey.StoreFailure, err, "unable to store measurement")}
	}
	m.ID = id

	out := outcome{measurement: m}
	if c.deps.Coverage != nil {
		points, err := c.deps.Coverage.AppendAndRebuild(c.ctx, *m)
		if err != nil {
			glog.Warningf("Session %s: unable to update coverage surface: %s\n", c.sessionID, err)
		} else if len(points) > 0 {
			p := c.deps.Coverage.Range().Point(*m)
			out.point = &p
		}
	}
	return out
}

func (c *Controller) finish(a *attempt, out outcome) {
	if c.inFlight == a {
		c.inFlight = nil
	}
	took := c.opts.Clock.Since(a.started)
	if out.err != nil {
		glog.Warningf("Session %s: %s collection failed: %s\n", c.sessionID, a.mode, out.err)
		c.opts.Metrics.Attempt(string(a.mode), string(survey.KindOf(out.err)), took)
		c.emit(Event{Type: EventResult, RequestID: a.requestID, Mode: a.mode, Err: out.err, Count: c.count, Missed: c.missed})
		return
	}

	c.count++
	c.opts.Metrics.Attempt(string(a.mode), "ok", took)
	glog.V(1).Infof("Session %s: stored measurement %d (rssi=%d snr=%.1f count=%d)\n", c.sessionID, out.measurement.ID, out.measurement.RSSI, out.measurement.SNR, c.count)
	c.emit(Event{
		Type:        EventResult,
		RequestID:   a.requestID,
		Mode:        a.mode,
		Count:       c.count,
		Missed:      c.missed,
		Measurement: out.measurement,
		Point:       out.point,
	})
}

func (c *Controller) reject(requestID string, m survey.Mode, err error) {
	c.opts.Metrics.Attempt(string(m), string(survey.KindOf(err)), 0)
	glog.V(1).Infof("Session %s: %s collection rejected: %s\n", c.sessionID, m, err)
	c.emit(Event{Type: EventResult, RequestID: requestID, Mode: m, Err: err, Count: c.count, Missed: c.missed})
}

func (c *Controller) ack(requestID string, err error) {
	if err != nil {
		c.emit(Event{Type: EventResult, RequestID: requestID, Err: err, Count: c.count, Missed: c.missed})
		return
	}
	c.emit(Event{Type: EventAck, RequestID: requestID, State: c.stateName()})
}

func (c *Controller) emit(e Event) {
	if e.State == "" {
		e.State = c.stateName()
	}
	if c.deliver == nil {
		glog.Warningf("Session %s: discarding undeliverable %s for request %q\n", c.sessionID, e.Type, e.RequestID)
		return
	}
	c.deliver(e)
}
