package signaling

import (
	"testing"
)

// FuzzParseClientMessage exercises the lenient decoder with arbitrary bytes.
// Parsing must never panic, and a successful parse must always yield a usable
// position via the fallback chain.
func FuzzParseClientMessage(f *testing.F) {
	f.Add([]byte(`{"type":"position","username":"bob","latitude":1,"longitude":2,"speed":3}`))
	f.Add([]byte(`{"username":"bob","position":{"x":1,"y":2}}`))
	f.Add([]byte(`{"type":"call_offer","target":"bob","offer":{"sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"ice_candidate","target":"bob","username":"alice","candidate":{}}`))
	f.Add([]byte(`{"type":"request_positions"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(``))
	f.Add([]byte(`[1,2,3]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := parseClientMessage(data)
		if err != nil {
			return
		}

		again, err := parseClientMessage(data)
		if err != nil {
			t.Fatalf("parse succeeded then failed on identical input: %v", err)
		}
		if msg.Type != again.Type || msg.Username != again.Username || msg.Target != again.Target {
			t.Fatalf("parse is not deterministic: %+v vs %+v", msg, again)
		}

		pos := msg.resolvePosition()
		if msg.Latitude != nil && pos.Latitude != *msg.Latitude {
			t.Fatalf("flat latitude %v lost, got %v", *msg.Latitude, pos.Latitude)
		}
		if msg.Longitude != nil && pos.Longitude != *msg.Longitude {
			t.Fatalf("flat longitude %v lost, got %v", *msg.Longitude, pos.Longitude)
		}
		if msg.Latitude == nil && msg.Position == nil && pos.Latitude != 0 {
			t.Fatalf("absent latitude resolved to %v, want 0", pos.Latitude)
		}
	})
}
