package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mapmeet/presence-relay/internal/metrics"
	"github.com/mapmeet/presence-relay/internal/presence"
)

// hub owns the set of open signaling connections and serializes all message
// handling.
//
// The single mutex is what makes a presence mutation and its follow-up
// broadcast one atomic step even though every connection reads on its own
// goroutine: nobody observes the registry between an upsert (or remove) and
// the snapshot that announces it.
type hub struct {
	log      *slog.Logger
	registry *presence.Registry
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func newHub(log *slog.Logger, registry *presence.Registry, m *metrics.Metrics) *hub {
	return &hub{
		log:      log,
		registry: registry,
		metrics:  m,
		conns:    make(map[*conn]struct{}),
	}
}

// register adds a new connection, greets it with the current presence list and
// announces the grown audience to everyone (the newcomer included).
func (h *hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c] = struct{}{}
	h.metrics.Inc(metrics.EventConnectionOpened)

	h.sendLocked(c, snapshotMessage{Type: messageTypeInit, Users: h.registry.List()})
	h.broadcastLocked()
}

// unregister removes a closed connection. A connection that had identified
// itself takes its presence record with it, followed by exactly one broadcast;
// an unidentified connection leaves no trace.
func (h *hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.metrics.Inc(metrics.EventConnectionClosed)

	if c.identified {
		h.registry.Remove(c.identity)
		h.broadcastLocked()
	}
}

// handleMessage classifies one inbound frame and routes it to exactly one
// handler. Malformed frames are dropped; the connection stays open.
func (h *hub) handleMessage(c *conn, data []byte) {
	msg, err := parseClientMessage(data)
	if err != nil {
		h.metrics.Inc(metrics.EventMalformedMessage)
		h.log.Error("dropping unparseable message", "err", err)
		return
	}

	switch msg.Type {
	case messageTypeRequestPositions:
		h.handleRequestPositions(c)
	case messageTypeCallOffer:
		h.handleCallOffer(c, msg)
	case messageTypeCallAnswer:
		h.forward(msg.Target, callAnswerMessage{Type: messageTypeCallAnswer, Answer: msg.Answer})
	case messageTypeCallRejected:
		h.forward(msg.Target, typeOnlyMessage{Type: messageTypeCallRejected})
	case messageTypeICECandidate:
		h.forward(msg.Target, iceCandidateMessage{Type: messageTypeICECandidate, Candidate: msg.Candidate, From: msg.Username})
	case messageTypeCallEnded:
		h.forward(msg.Target, typeOnlyMessage{Type: messageTypeCallEnded})
	default:
		// Anything else, including messages with no type at all, is treated as a
		// position update. Old clients rely on this.
		h.handlePosition(c, msg)
	}
}

// handlePosition is the only path that mutates presence. The first accepted
// position message binds the sender's username to the connection.
func (h *hub) handlePosition(c *conn, msg clientMessage) {
	if msg.Username == "" {
		h.metrics.Inc(metrics.EventMalformedMessage)
		h.log.Error("dropping position message without username")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c.identified = true
	c.identity = msg.Username

	h.registry.Upsert(msg.Username, msg.resolvePosition())
	h.metrics.Inc(metrics.EventPositionUpdated)
	h.broadcastLocked()
}

// handleRequestPositions answers the requester with a snapshot and then
// broadcasts the same state to everyone. Read-only: calling it twice in a row
// yields identical snapshots.
func (h *hub) handleRequestPositions(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sendLocked(c, snapshotMessage{Type: messageTypePosition, Users: h.registry.List()})
	h.broadcastLocked()
}

// handleCallOffer stamps the offer with the caller's identity before
// forwarding. An unidentified caller produces an offer without "from".
func (h *hub) handleCallOffer(c *conn, msg clientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.forwardLocked(msg.Target, callOfferMessage{Type: messageTypeCallOffer, Offer: msg.Offer, From: c.identity})
}

func (h *hub) forward(target string, out any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.forwardLocked(target, out)
}

// forwardLocked delivers a call-control message to the one connection bound to
// target. No target connection means the message is silently discarded: the
// sender is not notified, nothing is queued.
func (h *hub) forwardLocked(target string, out any) {
	t := h.findByIdentityLocked(target)
	if t == nil {
		h.metrics.Inc(metrics.EventRelayUnknownTarget)
		h.log.Debug("dropping relay message for unknown target", "target", target)
		return
	}
	h.sendLocked(t, out)
	h.metrics.Inc(metrics.EventRelayForwarded)
}

// findByIdentityLocked scans all open connections for the given identity.
// Duplicate claims are tolerated: whichever match the scan lands on last wins,
// and no particular one is guaranteed across calls.
func (h *hub) findByIdentityLocked(identity string) *conn {
	var found *conn
	for c := range h.conns {
		if c.identified && c.identity == identity {
			found = c
		}
	}
	return found
}

// broadcastLocked pushes the full presence snapshot to every open connection.
// Delivery is best-effort per connection: one dead peer never blocks the rest.
func (h *hub) broadcastLocked() {
	payload, err := json.Marshal(snapshotMessage{Type: messageTypePosition, Users: h.registry.List()})
	if err != nil {
		h.log.Error("failed to encode presence snapshot", "err", err)
		return
	}

	for c := range h.conns {
		if err := c.send(payload); err != nil {
			h.metrics.Inc(metrics.EventBroadcastSendFailed)
			h.log.Debug("broadcast send failed", "identity", c.identity, "err", err)
		}
	}
	h.metrics.Inc(metrics.EventBroadcast)
}

func (h *hub) sendLocked(c *conn, out any) {
	payload, err := json.Marshal(out)
	if err != nil {
		h.log.Error("failed to encode outbound message", "err", err)
		return
	}
	if err := c.send(payload); err != nil {
		h.log.Debug("send failed", "identity", c.identity, "err", err)
	}
}
