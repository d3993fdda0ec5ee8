package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"signal-pipelinev1/internal/events"
)

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(128)
	for i := int64(1); i <= 10; i++ {
		rb.Push(i, []byte("msg"))
	}

	got := rb.Range(3, 7)
	if len(got) != 5 {
		t.Fatalf("Range(3,7): expected 5, got %d", len(got))
	}
	for i, e := range got {
		if want := int64(i) + 3; e.Seq != want {
			t.Errorf("entry[%d].Seq = %d, want %d", i, e.Seq, want)
		}
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(4)
	for i := int64(1); i <= 7; i++ {
		rb.Push(i, []byte("msg"))
	}

	if rb.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", rb.Len())
	}
	got := rb.Range(1, 10)
	if len(got) != 4 {
		t.Fatalf("Range(1,10): expected 4, got %d", len(got))
	}
	if got[0].Seq != 4 || got[3].Seq != 7 {
		t.Errorf("kept seqs %d..%d, want 4..7", got[0].Seq, got[3].Seq)
	}
}

func TestReplayBuffer_Empty(t *testing.T) {
	if got := NewReplayBuffer(8).Range(1, 100); len(got) != 0 {
		t.Fatalf("empty buffer Range should return 0, got %d", len(got))
	}
}

func TestEnvelopeFormat(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	buf := envelope("signal.s1:BTC", []byte(`{"symbol":"BTC","price":101.5}`), now, 42, 7)

	var env wireEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Channel != "signal.s1:BTC" || env.Seq != 42 || env.ChannelSeq != 7 {
		t.Errorf("unexpected envelope %+v", env)
	}
	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	if err != nil || !parsed.Equal(now) {
		t.Errorf("ts: got %q (%v), want %v", env.TS, err, now)
	}
	var data struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Price != 101.5 {
		t.Errorf("data: got %s (%v)", env.Data, err)
	}
}

func TestSplitChannel(t *testing.T) {
	topic, key := splitChannel("session.changed:abc")
	if topic != "session.changed" || key != "abc" {
		t.Errorf("got %q %q", topic, key)
	}
	if topic, key = splitChannel("bare"); topic != "bare" || key != "" {
		t.Errorf("got %q %q", topic, key)
	}
}

// ─── WebSocket round trips ────────────────────────────────────────────────────

type wireEnvelope struct {
	Type       string          `json:"type"`
	Channel    string          `json:"channel"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	TS         string          `json:"ts"`
	Data       json.RawMessage `json:"data"`
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []wireEnvelope
}

func dial(t *testing.T, h *Hub) *testClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next returns the next message; frames may carry several, newline separated.
func (c *testClient) next() wireEnvelope {
	c.t.Helper()
	for len(c.pending) == 0 {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			var env wireEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				c.t.Fatalf("bad message %s: %v", line, err)
			}
			c.pending = append(c.pending, env)
		}
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env
}

func (c *testClient) expectControl(typ string) {
	c.t.Helper()
	if env := c.next(); env.Type != typ {
		c.t.Fatalf("expected %s, got %+v", typ, env)
	}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_SubscribeFiltersByTopicAndKey(t *testing.T) {
	h := NewHub(16)
	c := dial(t, h)
	waitClients(t, h, 1)

	c.send(map[string]any{"type": MsgSubscribe, "topics": []string{"signal."}, "keys": []string{"BTC"}})
	c.expectControl("subscribed")

	h.Broadcast(events.Signal{StrategyID: "s", Symbol: "ETH", Section: "S1"})
	h.Broadcast(events.Transition{StrategyID: "s", Symbol: "BTC", From: "MONITORING", To: "SIGNAL_DETECTED"})
	h.Broadcast(events.Signal{StrategyID: "s", Symbol: "BTC", Section: "S1", Price: 101})
	h.Broadcast(events.Signal{StrategyID: "s", Symbol: "BTC", Section: "Z1", Price: 102})

	first, second := c.next(), c.next()
	if first.Channel != "signal.s1:BTC" || second.Channel != "signal.z1:BTC" {
		t.Fatalf("got channels %q, %q", first.Channel, second.Channel)
	}
	if first.ChannelSeq != 1 || second.ChannelSeq != 1 {
		t.Errorf("channel seqs %d, %d, want 1, 1", first.ChannelSeq, second.ChannelSeq)
	}
	if second.Seq <= first.Seq {
		t.Errorf("global seq not increasing: %d then %d", first.Seq, second.Seq)
	}
}

func TestHub_ReplayBackfillsChannel(t *testing.T) {
	h := NewHub(16)
	c := dial(t, h)
	waitClients(t, h, 1)
	c.send(map[string]any{"type": MsgUnsubscribe})
	c.expectControl("unsubscribed")

	for i := 0; i < 4; i++ {
		h.Broadcast(events.Signal{Symbol: "BTC", Section: "S1", Price: float64(100 + i)})
	}
	c.send(map[string]any{"type": MsgReplay, "channel": "signal.s1:BTC", "from_seq": 2})
	for want := int64(2); want <= 4; want++ {
		env := c.next()
		if env.ChannelSeq != want {
			t.Fatalf("replayed channel_seq %d, want %d", env.ChannelSeq, want)
		}
	}
}

func TestHub_SnapshotSendsLatest(t *testing.T) {
	h := NewHub(16)
	h.Broadcast(events.Signal{Symbol: "BTC", Section: "S1", Price: 100})
	h.Broadcast(events.Signal{Symbol: "BTC", Section: "S1", Price: 105})
	h.Broadcast(events.SessionChanged{SessionID: "abc", From: "STARTING", To: "RUNNING"})

	c := dial(t, h)
	waitClients(t, h, 1)
	c.send(map[string]any{"type": MsgSubscribe, "topics": []string{"signal."}, "snapshot": true})
	c.expectControl("subscribed")

	env := c.next()
	if env.Channel != "signal.s1:BTC" || env.ChannelSeq != 2 {
		t.Fatalf("snapshot got %+v", env)
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	h := NewHub(16)
	c := dial(t, h)
	waitClients(t, h, 1)

	ch := make(chan events.Event, 1)
	ch <- events.Signal{Symbol: "BTC", Section: "E1"}
	close(ch)
	h.Run(context.Background(), ch)

	if env := c.next(); env.Channel != "signal.e1:BTC" {
		t.Fatalf("got %+v", env)
	}
	if h.Clients() != 0 {
		t.Fatalf("clients not closed")
	}
	sent, _ := h.Stats()
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
}
