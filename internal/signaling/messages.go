package signaling

import (
	"encoding/json"

	"github.com/mapmeet/presence-relay/internal/presence"
)

const (
	messageTypePosition         = "position"
	messageTypeRequestPositions = "request_positions"
	messageTypeCallOffer        = "call_offer"
	messageTypeCallAnswer       = "call_answer"
	messageTypeCallRejected     = "call_rejected"
	messageTypeICECandidate     = "ice_candidate"
	messageTypeCallEnded        = "call_ended"
	messageTypeInit             = "init"
)

// clientMessage is the inbound wire shape: a flat JSON object discriminated by
// "type". Unknown fields are ignored; a missing or unrecognized type falls
// back to position handling, so lenient decoding is deliberate here.
type clientMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`

	// Position payload. Pointers distinguish absent from zero so the legacy
	// {position:{x,y}} shape can take over when the flat fields are missing.
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Speed     *float64        `json:"speed"`
	Position  *legacyPosition `json:"position"`

	// Call-control payload. Offer/answer/candidate bodies are opaque to the
	// relay and forwarded byte-for-byte.
	Target    string          `json:"target"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

// legacyPosition is the older client coordinate shape: x is longitude, y is
// latitude.
type legacyPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

// resolvePosition applies the coordinate fallback chain: flat fields win, then
// the legacy shape, then zero. A position message always yields a complete
// position; absent fields do not preserve previous values.
func (m clientMessage) resolvePosition() presence.Position {
	var pos presence.Position
	switch {
	case m.Latitude != nil:
		pos.Latitude = *m.Latitude
	case m.Position != nil:
		pos.Latitude = m.Position.Y
	}
	switch {
	case m.Longitude != nil:
		pos.Longitude = *m.Longitude
	case m.Position != nil:
		pos.Longitude = m.Position.X
	}
	if m.Speed != nil {
		pos.Speed = *m.Speed
	}
	return pos
}

// snapshotMessage carries the full presence list, both as the one-time "init"
// greeting and as every "position" broadcast.
type snapshotMessage struct {
	Type  string            `json:"type"`
	Users []presence.Record `json:"users"`
}

type callOfferMessage struct {
	Type  string          `json:"type"`
	Offer json.RawMessage `json:"offer,omitempty"`
	From  string          `json:"from,omitempty"`
}

type callAnswerMessage struct {
	Type   string          `json:"type"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

type iceCandidateMessage struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      string          `json:"from,omitempty"`
}

// typeOnlyMessage covers call_rejected and call_ended, which carry no payload.
type typeOnlyMessage struct {
	Type string `json:"type"`
}
