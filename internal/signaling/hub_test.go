package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mapmeet/presence-relay/internal/metrics"
	"github.com/mapmeet/presence-relay/internal/presence"
)

// fakeWire is an in-memory transport that records every frame written to it.
type fakeWire struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeWire) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeWire) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWire) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", frame, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeWire) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func newTestHub() (*hub, *presence.Registry, *metrics.Metrics) {
	registry := presence.NewRegistry()
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newHub(log, registry, m), registry, m
}

func registerConn(h *hub) (*conn, *fakeWire) {
	fw := &fakeWire{}
	c := &conn{wire: fw}
	h.register(c)
	return c, fw
}

func snapshotUsernames(t *testing.T, frame map[string]any) []string {
	t.Helper()
	users, ok := frame["users"].([]any)
	if !ok {
		t.Fatalf("frame has no users list: %v", frame)
	}
	var names []string
	for _, u := range users {
		rec, ok := u.(map[string]any)
		if !ok {
			t.Fatalf("unexpected users entry: %v", u)
		}
		names = append(names, rec["username"].(string))
	}
	return names
}

func TestHubRegisterGreetsWithInit(t *testing.T) {
	h, _, _ := newTestHub()
	_, fw := registerConn(h)

	frames := fw.decoded(t)
	if len(frames) != 2 {
		t.Fatalf("got %d frames after register, want init + broadcast", len(frames))
	}
	if frames[0]["type"] != "init" {
		t.Fatalf("first frame type = %v, want init", frames[0]["type"])
	}
	if names := snapshotUsernames(t, frames[0]); len(names) != 0 {
		t.Fatalf("init users = %v, want empty", names)
	}
	if frames[1]["type"] != "position" {
		t.Fatalf("second frame type = %v, want position broadcast", frames[1]["type"])
	}
}

func TestHubPositionBindsIdentityAndBroadcasts(t *testing.T) {
	h, registry, m := newTestHub()
	c1, fw1 := registerConn(h)
	_, fw2 := registerConn(h)
	fw1.reset()
	fw2.reset()

	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

	if !c1.identified || c1.identity != "bob" {
		t.Fatalf("conn identity = (%v, %q), want (true, bob)", c1.identified, c1.identity)
	}

	rec, ok := registry.Get("bob")
	if !ok {
		t.Fatal("bob not in registry after position message")
	}
	if rec.Latitude != 1 || rec.Longitude != 2 || rec.Speed != 0 {
		t.Fatalf("record = %+v, want lat 1 lon 2 speed 0", rec)
	}

	for i, fw := range []*fakeWire{fw1, fw2} {
		frames := fw.decoded(t)
		if len(frames) != 1 {
			t.Fatalf("conn %d got %d frames, want 1 broadcast", i, len(frames))
		}
		if names := snapshotUsernames(t, frames[0]); len(names) != 1 || names[0] != "bob" {
			t.Fatalf("conn %d broadcast users = %v, want [bob]", i, names)
		}
	}

	if got := m.Get(metrics.EventPositionUpdated); got != 1 {
		t.Fatalf("position_updated = %d, want 1", got)
	}
}

func TestHubUntypedMessageFallsBackToPosition(t *testing.T) {
	h, registry, _ := newTestHub()
	c1, _ := registerConn(h)

	h.handleMessage(c1, []byte(`{"username":"bob","position":{"x":3,"y":4}}`))

	rec, ok := registry.Get("bob")
	if !ok {
		t.Fatal("bob not in registry after untyped message")
	}
	if rec.Latitude != 4 || rec.Longitude != 3 {
		t.Fatalf("record = %+v, want lat 4 lon 3 from legacy shape", rec)
	}
}

func TestHubPositionWithoutUsernameIsDropped(t *testing.T) {
	h, registry, m := newTestHub()
	c1, fw1 := registerConn(h)
	fw1.reset()

	h.handleMessage(c1, []byte(`{"type":"position","latitude":1}`))

	if c1.identified {
		t.Fatal("conn became identified without a username")
	}
	if got := registry.List(); len(got) != 0 {
		t.Fatalf("registry = %v, want empty", got)
	}
	if frames := fw1.decoded(t); len(frames) != 0 {
		t.Fatalf("got %d frames, want none", len(frames))
	}
	if got := m.Get(metrics.EventMalformedMessage); got != 1 {
		t.Fatalf("malformed_message = %d, want 1", got)
	}
}

func TestHubMalformedFrameIsDroppedQuietly(t *testing.T) {
	h, _, m := newTestHub()
	c1, fw1 := registerConn(h)
	fw1.reset()

	h.handleMessage(c1, []byte(`{not json`))

	if frames := fw1.decoded(t); len(frames) != 0 {
		t.Fatalf("got %d frames, want none", len(frames))
	}
	if got := m.Get(metrics.EventMalformedMessage); got != 1 {
		t.Fatalf("malformed_message = %d, want 1", got)
	}
}

func TestHubRequestPositionsIsIdempotent(t *testing.T) {
	h, _, _ := newTestHub()
	c1, _ := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

	c2, fw2 := registerConn(h)
	fw2.reset()

	h.handleMessage(c2, []byte(`{"type":"request_positions"}`))
	first := fw2.decoded(t)
	fw2.reset()
	h.handleMessage(c2, []byte(`{"type":"request_positions"}`))
	second := fw2.decoded(t)

	// Each request yields a direct snapshot plus the broadcast.
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("got %d and %d frames, want 2 each", len(first), len(second))
	}
	for i := range first {
		a, _ := json.Marshal(first[i])
		b, _ := json.Marshal(second[i])
		if string(a) != string(b) {
			t.Fatalf("snapshot diverged between identical requests:\n%s\n%s", a, b)
		}
	}
	if c2.identified {
		t.Fatal("request_positions identified the connection")
	}
}

func TestHubCallOfferCarriesSenderIdentity(t *testing.T) {
	h, _, m := newTestHub()
	c1, fw1 := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

	c2, _ := registerConn(h)
	h.handleMessage(c2, []byte(`{"type":"position","username":"alice","latitude":3,"longitude":4}`))
	fw1.reset()

	h.handleMessage(c2, []byte(`{"type":"call_offer","target":"bob","offer":{"sdp":"v=0"}}`))

	frames := fw1.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 offer", len(frames))
	}
	if frames[0]["type"] != "call_offer" || frames[0]["from"] != "alice" {
		t.Fatalf("offer frame = %v, want call_offer from alice", frames[0])
	}
	if offer, ok := frames[0]["offer"].(map[string]any); !ok || offer["sdp"] != "v=0" {
		t.Fatalf("offer payload = %v, want verbatim sdp", frames[0]["offer"])
	}
	if got := m.Get(metrics.EventRelayForwarded); got != 1 {
		t.Fatalf("relay_forwarded = %d, want 1", got)
	}
}

func TestHubCallOfferFromUnidentifiedSenderOmitsFrom(t *testing.T) {
	h, _, _ := newTestHub()
	c1, fw1 := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

	c2, _ := registerConn(h)
	fw1.reset()

	h.handleMessage(c2, []byte(`{"type":"call_offer","target":"bob","offer":{"sdp":"v=0"}}`))

	frames := fw1.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 offer", len(frames))
	}
	if _, present := frames[0]["from"]; present {
		t.Fatalf("offer frame = %v, want no from key", frames[0])
	}
}

func TestHubRelayToUnknownTargetIsSilentlyDropped(t *testing.T) {
	h, _, m := newTestHub()
	c1, fw1 := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))
	fw1.reset()

	h.handleMessage(c1, []byte(`{"type":"call_answer","target":"nobody","answer":{"sdp":"v=0"}}`))

	if frames := fw1.decoded(t); len(frames) != 0 {
		t.Fatalf("got %d frames, want none", len(frames))
	}
	if got := m.Get(metrics.EventRelayUnknownTarget); got != 1 {
		t.Fatalf("relay_unknown_target = %d, want 1", got)
	}
	if got := m.Get(metrics.EventRelayForwarded); got != 0 {
		t.Fatalf("relay_forwarded = %d, want 0", got)
	}
}

func TestHubRelayShapes(t *testing.T) {
	cases := []struct {
		name      string
		inbound   string
		wantType  string
		wantKeys  []string
		denyKeys  []string
	}{
		{
			name:     "call_answer carries answer only",
			inbound:  `{"type":"call_answer","target":"bob","answer":{"sdp":"v=0"}}`,
			wantType: "call_answer",
			wantKeys: []string{"answer"},
			denyKeys: []string{"from", "target"},
		},
		{
			name:     "call_rejected is type only",
			inbound:  `{"type":"call_rejected","target":"bob"}`,
			wantType: "call_rejected",
			denyKeys: []string{"from", "target", "answer", "offer"},
		},
		{
			name:     "call_ended is type only",
			inbound:  `{"type":"call_ended","target":"bob"}`,
			wantType: "call_ended",
			denyKeys: []string{"from", "target"},
		},
		{
			name:     "ice_candidate stamps the claimed username",
			inbound:  `{"type":"ice_candidate","target":"bob","username":"alice","candidate":{"candidate":"c"}}`,
			wantType: "ice_candidate",
			wantKeys: []string{"candidate", "from"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, _ := newTestHub()
			c1, fw1 := registerConn(h)
			h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

			c2, _ := registerConn(h)
			fw1.reset()

			h.handleMessage(c2, []byte(tc.inbound))

			frames := fw1.decoded(t)
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			if frames[0]["type"] != tc.wantType {
				t.Fatalf("type = %v, want %s", frames[0]["type"], tc.wantType)
			}
			for _, k := range tc.wantKeys {
				if _, ok := frames[0][k]; !ok {
					t.Fatalf("frame %v missing key %q", frames[0], k)
				}
			}
			for _, k := range tc.denyKeys {
				if _, ok := frames[0][k]; ok {
					t.Fatalf("frame %v has unexpected key %q", frames[0], k)
				}
			}
		})
	}
}

func TestHubDuplicateIdentityRoutesToOneConnection(t *testing.T) {
	h, _, _ := newTestHub()
	c1, fw1 := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))
	c2, fw2 := registerConn(h)
	h.handleMessage(c2, []byte(`{"type":"position","username":"bob","latitude":3,"longitude":4}`))

	c3, _ := registerConn(h)
	fw1.reset()
	fw2.reset()

	h.handleMessage(c3, []byte(`{"type":"call_ended","target":"bob"}`))

	got := 0
	for _, fw := range []*fakeWire{fw1, fw2} {
		for _, frame := range fw.decoded(t) {
			if frame["type"] == "call_ended" {
				got++
			}
		}
	}
	if got != 1 {
		t.Fatalf("call_ended delivered to %d connections, want exactly 1", got)
	}
}

func TestHubUnregisterRemovesPresenceAndBroadcastsOnce(t *testing.T) {
	h, registry, _ := newTestHub()
	c1, _ := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

	_, fw2 := registerConn(h)
	fw2.reset()

	h.unregister(c1)

	if _, ok := registry.Get("bob"); ok {
		t.Fatal("bob still in registry after disconnect")
	}

	frames := fw2.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("got %d frames after disconnect, want exactly 1 broadcast", len(frames))
	}
	if names := snapshotUsernames(t, frames[0]); len(names) != 0 {
		t.Fatalf("broadcast users = %v, want empty", names)
	}

	// Unregistering twice must not broadcast again.
	h.unregister(c1)
	if frames := fw2.decoded(t); len(frames) != 1 {
		t.Fatalf("got %d frames after double unregister, want still 1", len(frames))
	}
}

func TestHubUnregisterUnidentifiedLeavesNoTrace(t *testing.T) {
	h, registry, _ := newTestHub()
	c1, _ := registerConn(h)
	_, fw2 := registerConn(h)
	fw2.reset()

	h.unregister(c1)

	if got := registry.List(); len(got) != 0 {
		t.Fatalf("registry = %v, want empty", got)
	}
	if frames := fw2.decoded(t); len(frames) != 0 {
		t.Fatalf("got %d frames, want none for an unidentified disconnect", len(frames))
	}
}

func TestHubBroadcastSurvivesFailingConnection(t *testing.T) {
	h, _, m := newTestHub()
	c1, fw1 := registerConn(h)
	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":1,"longitude":2}`))

	_, deadWire := registerConn(h)
	deadWire.err = errors.New("broken pipe")

	_, fw3 := registerConn(h)
	fw1.reset()
	fw3.reset()

	h.handleMessage(c1, []byte(`{"type":"position","username":"bob","latitude":9,"longitude":9}`))

	for i, fw := range []*fakeWire{fw1, fw3} {
		if frames := fw.decoded(t); len(frames) != 1 {
			t.Fatalf("healthy conn %d got %d frames, want 1", i, len(frames))
		}
	}
	if got := m.Get(metrics.EventBroadcastSendFailed); got == 0 {
		t.Fatal("broadcast_send_failed = 0, want at least 1")
	}
}
