package stream

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client messages.
const (
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgReplay      = "REPLAY"
)

// SubscribeMsg selects what a client receives. Topics match by prefix
// ("signal." matches every section); Keys are symbols, or session IDs for
// session.changed. Empty lists match everything. With Snapshot set the
// latest envelope of every matching channel is sent right away.
type SubscribeMsg struct {
	Topics   []string `json:"topics"`
	Keys     []string `json:"keys"`
	Snapshot bool     `json:"snapshot"`
}

// ReplayMsg asks for the buffered envelopes of Channel from FromSeq on.
type ReplayMsg struct {
	Channel string `json:"channel"`
	FromSeq int64  `json:"from_seq"`
}

// Client is one WebSocket peer. A new client receives every event until it
// subscribes.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics []string
	keys   map[string]bool
	muted  bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
}

func (c *Client) matches(topic, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.muted {
		return false
	}
	if len(c.keys) > 0 && !c.keys[key] {
		return false
	}
	if len(c.topics) == 0 {
		return true
	}
	for _, p := range c.topics {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(msg SubscribeMsg) {
	keys := make(map[string]bool, len(msg.Keys))
	for _, k := range msg.Keys {
		keys[k] = true
	}
	c.mu.Lock()
	c.topics = append([]string(nil), msg.Topics...)
	c.keys = keys
	c.muted = false
	c.mu.Unlock()
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()
}

// writePump coalesces queued envelopes into one newline-separated frame and
// pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[stream] client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(raw, &base) != nil {
			c.sendError("malformed message")
			continue
		}

		switch base.Type {
		case MsgSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.sendError("invalid SUBSCRIBE: " + err.Error())
				continue
			}
			c.subscribe(msg)
			c.sendControl(map[string]any{"type": "subscribed", "topics": msg.Topics, "keys": msg.Keys})
			if msg.Snapshot {
				c.hub.snapshot(c)
			}

		case MsgUnsubscribe:
			c.unsubscribe()
			c.sendControl(map[string]any{"type": "unsubscribed"})

		case MsgReplay:
			var msg ReplayMsg
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel == "" {
				c.sendError("invalid REPLAY")
				continue
			}
			for _, e := range c.hub.replay(msg.Channel, msg.FromSeq) {
				c.push(e.Data)
			}

		default:
			if base.Ping > 0 {
				c.sendControl(map[string]any{"type": "pong", "ping": base.Ping, "server_ts": time.Now().UnixMilli()})
				continue
			}
			c.sendError("unknown message type " + base.Type)
		}
	}
}

func (c *Client) sendControl(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.push(b)
}

// push delivers msg unless the client was already removed.
func (c *Client) push(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.hub.deliver(c, msg)
	}
}

func (c *Client) sendError(msg string) {
	c.sendControl(map[string]any{"type": "error", "error": msg})
}
