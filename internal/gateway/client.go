package gateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pingPeriod is the interval at which the server probes the connection with a ping.
	pingPeriod = 30 * time.Second

	// pongWait is how long the server waits for a pong after probing before giving up on the
	// connection.
	pongWait = 30 * time.Second
)

// peerHandle is the narrow interface Hub depends on, so its tests can exercise the decision table
// without a real websocket connection.
type peerHandle interface {
	Account() string
	Enqueue(frame []byte, droppable bool)
	Close(code int, reason string)
}

// Client represents a single WebSocket connection bound to one document. It runs two goroutines
// (readPump and writePump) and communicates with its Hub through the send channel and Hub method
// calls made from readPump.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	account string
	send    chan []byte
	log     zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu                 sync.Mutex
	overWatermarkSince time.Time
	watermark          int
}

func newClient(hub *Hub, conn *websocket.Conn, account string, watermark int, logger zerolog.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		account:   account,
		send:      make(chan []byte, watermark*2),
		watermark: watermark,
		done:      make(chan struct{}),
		log:       logger,
	}
}

func (c *Client) Account() string { return c.account }

// closeSend signals the client's write loop to stop. Safe to call more than once or concurrently.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue queues frame for delivery. If droppable and the client is already at its backpressure
// watermark, the frame is silently dropped rather than risking unbounded buffering; Sync and
// SyncReply frames must never be marked droppable. If the send buffer is completely full the
// connection is closed outright.
func (c *Client) Enqueue(frame []byte, droppable bool) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	if len(c.send) >= c.watermark {
		if c.overWatermarkSince.IsZero() {
			c.overWatermarkSince = time.Now()
		}
		over := c.overWatermarkSince
		c.mu.Unlock()
		if droppable {
			return
		}
		if time.Since(over) > 10*time.Second {
			c.Close(CloseServerProblem, "slow consumer")
			return
		}
	} else {
		c.overWatermarkSince = time.Time{}
		c.mu.Unlock()
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.log.Warn().Str("account", c.account).Msg("client send buffer full, closing connection")
		c.Close(CloseServerProblem, "slow consumer")
	}
}

// Close sends a WebSocket close frame with the given code and reason, then tears the connection
// down.
func (c *Client) Close(code int, reason string) {
	c.closeSend()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// readPump reads frames from the connection and feeds them to the owning Hub. It runs in its own
// goroutine and detaches from the Hub when the loop exits, for any reason.
func (c *Client) readPump(sess *SessionContext) {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
		return nil
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Str("account", c.account).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
		c.hub.handleFrame(c, sess, frame)
	}
}

// writePump writes queued frames to the connection, sending a ping every pingPeriod whether or not
// frames have gone out. It exits when done is closed, draining any buffered frames first.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Debug().Err(err).Str("account", c.account).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
