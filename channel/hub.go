package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"github.com/hb9tf/meshsurvey/collection"
	"github.com/hb9tf/meshsurvey/metrics"
	"github.com/hb9tf/meshsurvey/store"
	"github.com/hb9tf/meshsurvey/survey"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096 // bytes
	sendBuffer     = 64   // messages

	// DefaultLinger keeps a disconnected session around for reattaching.
	DefaultLinger = 2 * time.Minute
	// OpenRequestID correlates the ack of a target passed on open.
	OpenRequestID = "open"
	// SurveyorHeader identifies the surveyor instance in logs.
	SurveyorHeader = "X-Surveyor-Id"
)

type Options struct {
	Linger     time.Duration
	Clock      clock.WithTickerAndDelayedExecution
	Controller collection.Options
	Metrics    *metrics.Recorder
	// CheckOrigin is passed to the websocket upgrader. Nil only accepts
	// same origin requests.
	CheckOrigin func(r *http.Request) bool
}

// Hub owns all sessions of a server. Every websocket is bound to exactly one
// session; a session outlives its websocket for the linger period so the
// surveyor can reattach.
type Hub struct {
	deps     collection.Deps
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id   string
	ctrl *collection.Controller

	mu      sync.Mutex
	conn    *conn
	linger  clock.Timer
	expired bool
}

func NewHub(deps collection.Deps, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Linger < 0 {
		opts.Linger = 0
	}
	if opts.Controller.Clock == nil {
		opts.Controller.Clock = opts.Clock
	}
	if opts.Controller.Metrics == nil {
		opts.Controller.Metrics = opts.Metrics
	}
	return &Hub{
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		sessions: map[string]*session{},
	}
}

// ServeHTTP upgrades the request and runs the session protocol until the
// websocket closes. Query parameters: session to reattach, target to select
// a node right away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var target int64
	if raw := query.Get("target"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid target", http.StatusBadRequest)
			return
		}
		target = id
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("unable to upgrade connection from %s: %s\n", r.RemoteAddr, err)
		return
	}
	c := newConn(ws, h.opts.Metrics)
	go c.writePump()

	s, err := h.attach(r.Context(), query.Get("session"), c)
	if err != nil {
		glog.Warningf("unable to start session for %s: %s\n", r.RemoteAddr, err)
		c.send(failure("", err))
		c.shutdown()
		return
	}
	glog.Infof("Session %s attached from %s (surveyor %q)\n", s.id, r.RemoteAddr, r.Header.Get(SurveyorHeader))
	if target != 0 {
		s.ctrl.SetTarget(r.Context(), OpenRequestID, target)
	}

	h.readPump(r.Context(), s, c)
	h.detach(s, c)
}

func (h *Hub) attach(ctx context.Context, requested string, c *conn) (*session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, survey.Errorf(survey.ChannelDisconnected, "server is shutting down")
	}
	s, ok := h.sessions[requested]
	h.mu.Unlock()

	if ok {
		s.mu.Lock()
		if !s.expired {
			defer s.mu.Unlock()
			if s.linger != nil {
				s.linger.Stop()
				s.linger = nil
			}
			if old := s.conn; old != nil {
				glog.Infof("Session %s: replacing existing connection\n", s.id)
				old.shutdown()
			}
			s.conn = c
			if _, err := s.ctrl.Attach(h.deliverer(s.id, c)); err != nil {
				return nil, err
			}
			h.updateMetrics()
			return s, nil
		}
		s.mu.Unlock()
	}
	if requested != "" {
		glog.Infof("Session %s is unknown, starting a new one\n", requested)
	}

	id := uuid.NewString()
	if err := h.deps.Store.CreateSession(ctx, &store.Session{ID: id, StartTime: h.opts.Clock.Now()}); err != nil {
		return nil, survey.Wrap(survey.StoreFailure, err, "unable to record session")
	}
	s = &session{
		id:   id,
		ctrl: collection.New(id, h.deps, h.opts.Controller),
		conn: c,
	}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ctrl.Attach(h.deliverer(id, c)); err != nil {
		return nil, err
	}
	h.updateMetrics()
	return s, nil
}

func (h *Hub) deliverer(sessionID string, c *conn) collection.Deliverer {
	return func(e collection.Event) {
		for _, m := range fromEvent(sessionID, e) {
			c.send(m)
		}
	}
}

func (h *Hub) detach(s *session, c *conn) {
	c.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c || s.expired {
		return
	}
	s.conn = nil
	// Timer callbacks must not block the clock.
	s.linger = h.opts.Clock.AfterFunc(h.opts.Linger, func() { go h.expire(s) })
	s.ctrl.Detach()
	glog.Infof("Session %s detached, keeping it for %s\n", s.id, h.opts.Linger)
	h.updateMetrics()
}

func (h *Hub) expire(s *session) {
	s.mu.Lock()
	if s.conn != nil || s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	s.linger = nil
	s.mu.Unlock()

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.end(s)
	h.updateMetrics()
}

func (h *Hub) end(s *session) {
	st := s.ctrl.State()
	s.ctrl.Close()
	if h.deps.Coverage != nil {
		h.deps.Coverage.Forget(s.id)
	}
	if err := h.deps.Store.EndSession(context.Background(), s.id, h.opts.Clock.Now()); err != nil {
		glog.Warningf("Session %s: unable to record end: %s\n", s.id, err)
	}
	glog.Infof("Session %s ended with %d measurements\n", s.id, st.MeasurementCount)
}

func (h *Hub) readPump(ctx context.Context, s *session, c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("Session %s: connection lost: %s\n", s.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.send(failure("", survey.Wrap(survey.BadRequest, err, "malformed message")))
			continue
		}
		h.opts.Metrics.Message("in", m.Type)
		glog.V(2).Infof("Session %s: received %s %q\n", s.id, m.Type, m.RequestID)
		h.dispatch(ctx, s, c, &m)
	}
}

// dispatch hands a message to the controller. Outcomes reach the surveyor as
// events, so returned errors are only logged here.
func (h *Hub) dispatch(ctx context.Context, s *session, c *conn, m *Message) {
	var err error
	switch m.Type {
	case TypeLocation:
		sample, lerr := m.Location()
		if lerr != nil {
			c.send(failure(m.RequestID, survey.Wrap(survey.BadRequest, lerr, "invalid location")))
			return
		}
		err = s.ctrl.UpdateLocation(sample)
	case TypeCollect:
		err = s.ctrl.Collect(m.RequestID)
	case TypeStartContinuous:
		interval, ierr := m.Interval()
		if ierr != nil {
			c.send(failure(m.RequestID, survey.Wrap(survey.BadRequest, ierr, "invalid interval")))
			return
		}
		err = s.ctrl.StartContinuous(m.RequestID, interval)
	case TypeStopContinuous:
		err = s.ctrl.StopContinuous(m.RequestID)
	case TypeTarget:
		err = s.ctrl.SetTarget(ctx, m.RequestID, m.TargetNodeID)
	default:
		c.send(failure(m.RequestID, survey.Errorf(survey.BadRequest, "unknown message type %q", m.Type)))
		return
	}
	if err != nil {
		glog.V(1).Infof("Session %s: %s %q: %s\n", s.id, m.Type, m.RequestID, err)
	}
}

// Sessions returns the state of every known session.
func (h *Hub) Sessions() []survey.SessionState {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	states := make([]survey.SessionState, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.ctrl.State())
	}
	return states
}

func (h *Hub) updateMetrics() {
	if h.opts.Metrics == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var connected, detached int
	for _, s := range h.sessions {
		if s.ctrl.State().Connected {
			connected++
		} else {
			detached++
		}
	}
	h.opts.Metrics.Sessions(connected, detached)
}

// Close disconnects every surveyor and ends all sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.linger != nil {
			s.linger.Stop()
			s.linger = nil
		}
		c := s.conn
		s.conn = nil
		s.expired = true
		s.mu.Unlock()
		if c != nil {
			c.shutdown()
		}
		h.end(s)
	}
}

// conn is the outbound half of a websocket. Messages are numbered and queued
// in send order and written by a single goroutine.
type conn struct {
	ws      *websocket.Conn
	metrics *metrics.Recorder

	mu     sync.Mutex
	seq    uint64
	closed bool
	out    chan Message
}

func newConn(ws *websocket.Conn, m *metrics.Recorder) *conn {
	return &conn{
		ws:      ws,
		metrics: m,
		out:     make(chan Message, sendBuffer),
	}
}

func (c *conn) send(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.seq++
	m.Seq = c.seq
	select {
	case c.out <- m:
		return true
	default:
		glog.Warningf("outbound queue full, dropping connection to %s\n", c.ws.RemoteAddr())
		c.closed = true
		close(c.out)
		return false
	}
}

// shutdown tells the surveyor it is being disconnected and closes the socket
// once everything queued so far is written.
func (c *conn) shutdown() {
	c.send(Message{Type: TypeDisconnected})
	c.close()
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *conn) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case m, ok := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(m); err != nil {
				glog.V(1).Infof("unable to write to %s: %s\n", c.ws.RemoteAddr(), err)
				return
			}
			c.metrics.Message("out", m.Type)
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
