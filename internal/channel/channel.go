package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"qfit-chat/internal/domain"
	qfit_errors "qfit-chat/pkg/errors"
	"qfit-chat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Wire events, matching the backend broker's contract:
//   outbound control: joinGroup, leaveGroup  {groupId, userEmail}
//   outbound data:    message                (message payload)
//   inbound data:     newMessage             (message payload)
const (
	eventJoinGroup  = "joinGroup"
	eventLeaveGroup = "leaveGroup"
	eventMessage    = "message"
	eventNewMessage = "newMessage"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type controlPayload struct {
	GroupID   string `json:"groupId"`
	UserEmail string `json:"userEmail"`
}

// Handler receives every inbound chat event, in connection arrival order.
type Handler func(domain.Message)

// Channel is one persistent bidirectional connection to the messaging
// server. Join/leave are fire-and-forget with no acknowledgement; sends
// made while disconnected fail with ErrNotConnected and are not queued.
// The transport reconnects on its own with exponential backoff and
// re-issues joinGroup for every room still tracked as joined.
type Channel struct {
	url string
	log *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	handler   Handler
	joined    map[string]string // groupID -> userEmail
	connected bool
	closed    bool

	send      chan []byte
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// redialCtx aborts an in-flight reconnect dial when the channel is
	// closed.
	redialCtx    context.Context
	redialCancel context.CancelFunc
}

// Dial establishes the transport. The returned channel must be closed
// when the owning session ends, on every exit path.
func Dial(ctx context.Context, serverURL string, log *logger.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", serverURL, err)
	}

	c := &Channel{
		url:     serverURL,
		log:     log,
		joined:  make(map[string]string),
		send:    make(chan []byte, sendBuffer),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.redialCtx, c.redialCancel = context.WithCancel(context.Background())
	// Mark the channel usable before the supervisor goroutine is
	// scheduled, so a JoinGroup/Send issued immediately after a
	// successful dial does not observe a disconnected state.
	c.setConn(conn, true)
	go c.supervise(conn)
	return c, nil
}

// OnMessage registers the inbound handler. Later registrations replace
// earlier ones.
func (c *Channel) OnMessage(h func(domain.Message)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// JoinGroup sends a join control message and tracks the room so a
// reconnect re-joins it. Idempotent, no acknowledgement.
func (c *Channel) JoinGroup(groupID, userEmail string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return qfit_errors.ErrChannelClosed
	}
	c.joined[groupID] = userEmail
	c.mu.Unlock()

	return c.emit(eventJoinGroup, controlPayload{GroupID: groupID, UserEmail: userEmail})
}

// LeaveGroup sends a leave control message and stops tracking the room.
// Must be called before teardown so server-side membership is not leaked.
func (c *Channel) LeaveGroup(groupID, userEmail string) error {
	c.mu.Lock()
	delete(c.joined, groupID)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return qfit_errors.ErrChannelClosed
	}

	return c.emit(eventLeaveGroup, controlPayload{GroupID: groupID, UserEmail: userEmail})
}

// Send emits an outbound chat event without waiting for the server.
func (c *Channel) Send(msg domain.Message) error {
	return c.emit(eventMessage, msg)
}

// Close releases the transport. Idempotent, safe on every exit path.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		close(c.closeCh)
		c.redialCancel()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		}
		<-c.done
	})
	return nil
}

func (c *Channel) emit(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return qfit_errors.ErrChannelClosed
	}
	if !c.connected {
		// At-most-once: frames are not queued across a disconnect.
		c.mu.Unlock()
		return qfit_errors.ErrNotConnected
	}
	c.mu.Unlock()

	select {
	case c.send <- frame:
		return nil
	default:
		return qfit_errors.ErrQueueFull
	}
}

// supervise owns the connection lifecycle: pump the current socket until
// it fails, then redial with backoff unless the channel was closed.
func (c *Channel) supervise(conn *websocket.Conn) {
	defer close(c.done)

	for {
		c.setConn(conn, true)
		c.rejoin()
		c.runConn(conn)
		c.setConn(nil, false)

		if c.isClosed() {
			return
		}
		c.log.Warnf("connection to %s lost, reconnecting", c.url)

		conn = c.redial()
		if conn == nil {
			return
		}
	}
}

func (c *Channel) runConn(conn *websocket.Conn) {
	connDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, connDone)
	}()

	c.readPump(conn)
	close(connDone)
	conn.Close()
	wg.Wait()
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnf("websocket read failed: %v", err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.log.Warnf("dropping malformed frame: %v", err)
		return
	}

	switch env.Event {
	case eventNewMessage:
		var msg domain.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.log.Warnf("dropping malformed %s payload: %v", env.Event, err)
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	default:
		c.log.Debugf("ignoring event %q", env.Event)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-connDone:
			return
		case <-c.closeCh:
			return
		}
	}
}

// redial retries forever with exponential backoff until the channel is
// closed or a connection is established.
func (c *Channel) redial() *websocket.Conn {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for {
		select {
		case <-c.closeCh:
			return nil
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(c.redialCtx, c.url, nil)
		if err == nil {
			// A concurrent Close may have raced the dial; do not hand
			// the supervisor a socket it will never tear down.
			select {
			case <-c.closeCh:
				conn.Close()
				return nil
			default:
			}
			return conn
		}

		wait := b.NextBackOff()
		c.log.Warnf("reconnect to %s failed: %v (next attempt in %s)", c.url, err, wait)
		select {
		case <-c.closeCh:
			return nil
		case <-time.After(wait):
		}
	}
}

// rejoin re-issues joinGroup for every room the owner still considers
// active. Runs after every (re)connect.
func (c *Channel) rejoin() {
	c.mu.Lock()
	rooms := make(map[string]string, len(c.joined))
	for groupID, userEmail := range c.joined {
		rooms[groupID] = userEmail
	}
	c.mu.Unlock()

	for groupID, userEmail := range rooms {
		if err := c.emit(eventJoinGroup, controlPayload{GroupID: groupID, UserEmail: userEmail}); err != nil {
			c.log.Warnf("rejoin of group %s failed: %v", groupID, err)
		}
	}
}

func (c *Channel) setConn(conn *websocket.Conn, connected bool) {
	c.mu.Lock()
	c.conn = conn
	c.connected = connected
	c.mu.Unlock()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
