package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/hb9tf/meshsurvey/location"
	"github.com/hb9tf/meshsurvey/survey"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"

	helloTimeout  = 10 * time.Second
	messageBuffer = 256
)

type DialOptions struct {
	// SessionID reattaches to a lingering session.
	SessionID string
	// TargetNodeID selects the target node right after opening.
	TargetNodeID int64
	Header       http.Header
	Dialer       *websocket.Dialer
}

// Client is the surveyor end of a session channel. Messages must be drained
// by the caller, the client stops reading from the server otherwise.
type Client struct {
	ws    *websocket.Conn
	hello Message

	writeMu sync.Mutex
	nextReq atomic.Uint64

	messages chan Message
	done     chan struct{}
	once     sync.Once
	err      error
	lastSeq  uint64
}

// Open dials the server and waits for the hello of the session.
func Open(ctx context.Context, rawURL string, opts DialOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", rawURL, err)
	}
	q := u.Query()
	if opts.SessionID != "" {
		q.Set("session", opts.SessionID)
	}
	if opts.TargetNodeID != 0 {
		q.Set("target", strconv.FormatInt(opts.TargetNodeID, 10))
	}
	u.RawQuery = q.Encode()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("unable to connect to %s (HTTP %d): %w", u.Redacted(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("unable to connect to %s: %w", u.Redacted(), err)
	}

	deadline := time.Now().Add(helloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	var hello Message
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("no hello from server: %w", err)
	}
	if hello.Type != TypeHello {
		ws.Close()
		if err := hello.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	ws.SetReadDeadline(time.Time{})

	c := &Client{
		ws:       ws,
		hello:    hello,
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
		lastSeq:  hello.Seq,
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) SessionID() string {
	return c.hello.SessionID
}

// Hello returns the session state the server reported on open.
func (c *Client) Hello() Message {
	return c.hello
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("Session %s: connection lost: %s\n", c.SessionID(), err)
			}
			c.finish(ErrDisconnected)
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.finish(fmt.Errorf("malformed message from server: %w", err))
			return
		}
		// Lost or reordered messages cannot be recovered on this connection.
		if m.Seq != c.lastSeq+1 {
			c.finish(fmt.Errorf("%w: expected message %d, got %d", ErrDisconnected, c.lastSeq+1, m.Seq))
			return
		}
		c.lastSeq = m.Seq
		if m.Type == TypeDisconnected {
			c.finish(ErrDisconnected)
			return
		}
		select {
		case c.messages <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

// Messages yields everything the server sends after hello, in order. It is
// closed once the channel is gone.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Done is closed once the channel is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err tells why the channel is gone, nil while connected.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) State() string {
	if c.Err() != nil {
		return StateDisconnected
	}
	return StateConnected
}

// Send writes m, assigning a request id to commands that lack one.
func (c *Client) Send(m Message) (string, error) {
	if err := c.Err(); err != nil {
		return "", survey.Wrap(survey.ChannelDisconnected, ErrDisconnected, "unable to send "+m.Type)
	}
	if m.Type != TypeLocation && m.RequestID == "" {
		m.RequestID = strconv.FormatUint(c.nextReq.Add(1), 10)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(m); err != nil {
		c.finish(ErrDisconnected)
		return "", survey.Wrap(survey.ChannelDisconnected, err, "unable to send "+m.Type)
	}
	return m.RequestID, nil
}

func (c *Client) SendLocation(s survey.LocationSample) error {
	_, err := c.Send(LocationMessage(s))
	return err
}

func (c *Client) Collect() (string, error) {
	return c.Send(Message{Type: TypeCollect})
}

func (c *Client) StartContinuous(interval time.Duration) (string, error) {
	return c.Send(Message{Type: TypeStartContinuous, IntervalSeconds: interval.Seconds()})
}

func (c *Client) StopContinuous() (string, error) {
	return c.Send(Message{Type: TypeStopContinuous})
}

func (c *Client) SetTarget(targetNodeID int64) (string, error) {
	return c.Send(Message{Type: TypeTarget, TargetNodeID: targetNodeID})
}

// Relay forwards fixes from src until it is exhausted, ctx is done or the
// channel is gone.
func (c *Client) Relay(ctx context.Context, src location.Source) error {
	for {
		s, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.SendLocation(s); err != nil {
			return err
		}
	}
}

// Close says goodbye to the server. The session lingers server side and can
// be reattached with its id.
func (c *Client) Close() error {
	if c.Err() != nil {
		return nil
	}
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.finish(ErrDisconnected)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
