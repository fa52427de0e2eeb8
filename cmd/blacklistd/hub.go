package main

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/joeycumines/go-callcore/blacklist"
	"github.com/joeycumines/logiface"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type (
	// hub fans out blacklist changes to websocket clients.
	hub struct {
		logger     *logiface.Logger[logiface.Event]
		clients    map[*client]struct{}
		broadcast  chan []byte
		register   chan *client
		unregister chan *client
		done       chan struct{}
	}

	// client is a middleman between the websocket connection and the hub.
	client struct {
		hub  *hub
		conn *websocket.Conn
		// Buffered channel of outbound messages.
		send chan []byte
	}

	changeMessage struct {
		Kind blacklist.ChangeKind `json:"kind"`
		infoMessage
	}

	infoMessage struct {
		Expires  time.Time `json:"expires"`
		Addr     string    `json:"addr"`
		Duration string    `json:"duration"`
		Seconds  float64   `json:"seconds"`
	}
)

func newInfoMessage(info blacklist.Info) infoMessage {
	return infoMessage{
		Expires:  info.Expires.UTC(),
		Addr:     info.Addr.String(),
		Duration: info.Duration.String(),
		Seconds:  info.Duration.Seconds(),
	}
}

func newHub(logger *logiface.Logger[logiface.Event]) *hub {
	return &hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// publish encodes and queues a change, dropping it if the hub is backed up,
// as it is called with the blacklist lock held.
func (h *hub) publish(c blacklist.Change) {
	b, err := json.Marshal(changeMessage{Kind: c.Kind, infoMessage: newInfoMessage(c.Info)})
	if err != nil {
		h.logger.Err().Err(err).Log(`failed to encode change`)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warning().
			Str(`change`, c.Kind.String()).
			Log(`change feed backed up, dropping`)
	}
}

func (h *hub) run(ctx context.Context) error {
	defer close(h.done)
	defer func() {
		for c := range h.clients {
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// serveWs handles websocket requests from the peer.
func (h *hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Log(`websocket upgrade failed`)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	h.logger.Debug().
		Str(`remote`, r.RemoteAddr).
		Log(`websocket client connected`)

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound messages, handling pongs and closure.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Log(`websocket read failed`)
			}
			return
		}
	}
}

// writePump writes one JSON document per text message.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
