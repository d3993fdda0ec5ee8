// Package stream pushes pipeline events to dashboard clients over
// WebSocket.
//
// Every event is sent on the channel "<topic>:<key>" (for example
// "indicator.updated:BTC" or "session.changed:<session id>") inside an
// envelope:
//
//	{"channel":"signal.s1:BTC","seq":812,"channel_seq":4,"ts":"...","data":{...}}
//
// seq is global, channel_seq counts per channel so clients can detect gaps
// and backfill them with a REPLAY request.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"signal-pipelinev1/internal/events"
)

const (
	defaultReplaySize = 512
	sendBuffer        = 256
)

type latestEntry struct {
	Data []byte // envelope
	TS   time.Time
}

// Hub fans events out to WebSocket clients.
type Hub struct {
	replaySize int
	upgrader   websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer
	seq         int64

	sent    atomic.Uint64
	dropped atomic.Uint64

	// OnDrop is called when a slow client misses an envelope.
	OnDrop func()
}

// NewHub creates a hub keeping replaySize envelopes per channel.
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	return &Hub{
		replaySize:  replaySize,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
	}
}

// Channel returns the stream channel of e.
func Channel(e events.Event) string {
	return e.Topic() + ":" + e.Key()
}

// Run broadcasts events from ch until ctx is cancelled or ch is closed.
func (h *Hub) Run(ctx context.Context, ch <-chan events.Event) {
	events.Consume(ctx, ch, h.Broadcast)
	h.closeClients()
}

// Broadcast sends e to every client subscribed to its channel.
func (h *Hub) Broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[stream] marshal %s: %v", e.Topic(), err)
		return
	}
	channel := Channel(e)
	now := time.Now().UTC()

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	env := envelope(channel, data, now, seq, channelSeq)
	h.latest[channel] = latestEntry{Data: env, TS: now}
	h.mu.Unlock()

	rb.Push(channelSeq, env)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(e.Topic(), e.Key()) {
			continue
		}
		h.deliver(c, env)
	}
}

// envelope builds the message JSON by hand; data is already encoded.
func envelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+128)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

func (h *Hub) deliver(c *Client, msg []byte) {
	select {
	case c.send <- msg:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
		if h.OnDrop != nil {
			h.OnDrop()
		}
	}
}

// replay returns the buffered envelopes of channel from fromSeq on.
func (h *Hub) replay(channel string, fromSeq int64) []replayEntry {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	last := h.channelSeqs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Range(fromSeq, last)
}

// snapshot sends the latest envelope of every channel c subscribes to.
func (h *Hub) snapshot(c *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	for channel, entry := range h.latest {
		topic, key := splitChannel(channel)
		if c.matches(topic, key) {
			h.deliver(c, entry.Data)
		}
	}
}

// ServeHTTP upgrades the request and serves one client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] upgrade error: %v", err)
		return
	}
	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[stream] client connected: %s (%d clients)", r.RemoteAddr, n)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeClients() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns delivered and dropped envelope counts.
func (h *Hub) Stats() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

func splitChannel(channel string) (topic, key string) {
	for i := 0; i < len(channel); i++ {
		if channel[i] == ':' {
			return channel[:i], channel[i+1:]
		}
	}
	return channel, ""
}
