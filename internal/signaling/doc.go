// Package signaling implements the presence-and-call WebSocket protocol.
//
// Every participant holds one WebSocket connection. Position updates mutate
// the shared presence registry and fan out as full snapshots to all open
// connections; call-control messages (offer/answer/reject/candidate/ended)
// are forwarded verbatim to the one connection bound to the target username.
package signaling
