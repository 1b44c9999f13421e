package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/example/chat-realtime/internal/presence"
)

const (
	// sendBuffer is the per-connection outbound queue. A client that cannot
	// drain it loses frames rather than stalling the whole fanout.
	sendBuffer = 64

	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second

	// Inbound frame budget per connection, on top of the per-event limits.
	frameRate  = 25
	frameBurst = 50
)

// Client pumps one websocket connection. Reads are dispatched to the gateway,
// writes are serialized through a buffered channel so any goroutine can emit.
type Client struct {
	conn      *websocket.Conn
	gw        *Gateway
	sess      *Session
	refresher presence.Refresher // nil for in-memory presence

	send    chan []byte
	frames  *rate.Limiter
	closeFn sync.Once
	done    chan struct{}
}

func newClient(conn *websocket.Conn, gw *Gateway, refresher presence.Refresher) *Client {
	return &Client{
		conn:      conn,
		gw:        gw,
		refresher: refresher,
		send:      make(chan []byte, sendBuffer),
		frames:    rate.NewLimiter(frameRate, frameBurst),
		done:      make(chan struct{}),
	}
}

// Emit queues a frame for delivery. If the client's queue is full the frame
// is dropped; a reader this far behind is about to be closed anyway.
func (c *Client) Emit(event string, payload any) {
	c.enqueue(Frame{Event: event, Data: marshalPayload(payload)})
}

// EmitAck queues an ack frame echoing the client's correlation id.
func (c *Client) EmitAck(ackID int64, payload any) {
	c.enqueue(Frame{Event: EventAck, Data: marshalPayload(payload), Ack: &ackID})
}

func (c *Client) enqueue(frame Frame) {
	buf, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Frame marshal failed", "event", frame.Event, "error", err)
		return
	}
	select {
	case c.send <- buf:
	case <-c.done:
	default:
		slog.Warn("Send queue full, dropping frame", "event", frame.Event)
	}
}

// run drives both pumps and tears the session down when either exits.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)

	c.close()
	c.gw.Disconnect(context.WithoutCancel(ctx), c.sess)
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) close() {
	c.closeFn.Do(func() { close(c.done) })
}

func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				slog.Debug("Read loop ended", "conn", c.sess.ConnID, "error", err)
			}
			return
		}
		if !c.frames.Allow() {
			c.Emit(EventError, ErrorEvent{Message: "too many frames"})
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.Emit(EventError, ErrorEvent{Message: "malformed frame"})
			continue
		}
		c.gw.HandleFrame(ctx, c.sess, frame)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case buf := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, buf)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(wctx)
			cancel()
			if err != nil {
				return
			}
			// Keep the distributed connection entry alive past its TTL.
			if c.refresher != nil {
				if err := c.refresher.RefreshConnection(ctx, c.sess.Identity.UserID, c.sess.ConnID); err != nil {
					slog.Warn("Connection refresh failed", "conn", c.sess.ConnID, "error", err)
				}
			}
		}
	}
}

func marshalPayload(payload any) json.RawMessage {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Payload marshal failed", "error", err)
		return json.RawMessage("{}")
	}
	return buf
}
