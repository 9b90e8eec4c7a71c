package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/quizhub/internal/config"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	invokeTimeout  = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Conn is the part of *websocket.Conn a Client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one persistent connection bound to a user on a single hub.
type Client struct {
	id     string
	hub    types.Hub
	user   types.User
	conn   Conn
	codec  Codec
	srv    *Server
	logger *zap.Logger
	send   chan *ServerFrame

	// unix nanos of the last frame or pong received
	lastSeen atomic.Int64

	stop        chan struct{}
	stopOnce    sync.Once
	closeReason atomic.Value

	mu    sync.Mutex
	rooms map[string]struct{}
	// highest sequence delivered per subscribed group
	groups map[int64]int64
}

func newClient(sess Session, conn Conn, codec Codec, srv *Server) *Client {
	c := &Client{
		id:     sess.ConnectionId,
		hub:    sess.Hub,
		user:   sess.User,
		conn:   conn,
		codec:  codec,
		srv:    srv,
		logger: srv.logger.With(zap.String("conn", sess.ConnectionId), zap.String("user", sess.User.Id)),
		send:   make(chan *ServerFrame, srv.cfg.SendBufferSize),
		stop:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
		groups: make(map[int64]int64),
	}
	c.touch()
	return c
}

func (c *Client) Id() string { return c.id }

func (c *Client) User() types.User { return c.user }

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) Write() {
	pingInterval := (c.srv.cfg.HeartbeatTimeout * 9) / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write exiting")
	}()

	for {
		select {
		case f := <-c.send:
			if !c.writeFrame(f) {
				return
			}
		case <-c.stop:
			if reason, _ := c.closeReason.Load().(string); reason != "" {
				c.writeFrame(CloseFrame(reason))
			}
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.srv.detach(c)
		c.Close("")
		c.logger.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.HeartbeatTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.HeartbeatTimeout))

		f, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Debug("undecodable frame", zap.Error(err))
			c.queue(CompletionError("", types.ErrInvalidPayload.WithMessage("invalid frame")))
			continue
		}

		switch f.Type {
		case FramePing:
		case FrameClose:
			return
		case FrameInvocation:
			ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
			c.srv.invoke(ctx, c, f)
			cancel()
		default:
			c.queue(CompletionError(f.InvocationId, types.ErrInvalidPayload.WithMessage("unknown frame type")))
		}
	}
}

// queue hands f to the writer. When the buffer is full the overflow policy
// either evicts the oldest pending frame or closes the connection.
func (c *Client) queue(f *ServerFrame) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	for {
		select {
		case c.send <- f:
			return true
		default:
		}

		c.srv.stats.Incr(stats.NumDroppedEvents)
		if c.srv.cfg.OverflowPolicy == config.OverflowDisconnect {
			c.logger.Warn("send buffer full, disconnecting")
			c.Close("slow consumer")
			return false
		}

		select {
		case <-c.send:
			c.logger.Warn("send buffer full, dropped oldest frame")
		default:
		}
	}
}

// deliver pushes ev to the client. receiveMessage events already covered by
// a backfill of a subscribed group are skipped.
func (c *Client) deliver(ev types.Event) bool {
	if m, ok := ev.(types.ReceiveMessage); ok {
		c.mu.Lock()
		last, subscribed := c.groups[m.GroupId]
		if subscribed {
			if m.Sequence <= last {
				c.mu.Unlock()
				return false
			}
			c.groups[m.GroupId] = m.Sequence
		}
		c.mu.Unlock()
	}

	return c.queue(EventFrame(ev))
}

func (c *Client) writeFrame(f *ServerFrame) bool {
	data, err := c.codec.Encode(f)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", string(f.Type)), zap.Error(err))
		return true
	}

	return c.sendMessage(c.codec.MessageType(), data)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.logger.Warn("write failed", zap.Error(err))
		}
		return false
	}

	return true
}

// Close stops the writer, which closes the transport and in turn ends the
// read loop. A non-empty reason is sent to the client in a close frame.
func (c *Client) Close(reason string) {
	c.stopOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.stop)
	})
}

func (c *Client) addRoom(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[code] = struct{}{}
}

func (c *Client) delRoom(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, code)
}

func (c *Client) roomCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make([]string, 0, len(c.rooms))
	for code := range c.rooms {
		codes = append(codes, code)
	}
	return codes
}

// subscribe records groupId as followed from seq onwards.
func (c *Client) subscribe(groupId, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.groups[groupId]; !ok || seq > cur {
		c.groups[groupId] = seq
	}
}

func (c *Client) unsubscribe(groupId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, groupId)
}
