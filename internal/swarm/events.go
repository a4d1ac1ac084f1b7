// Package swarm is the concurrency layer on top of the protocol engine:
// one connection actor per peer translating stream bytes into protocol
// events, and one torrent actor owning the swarm map, the piece table and
// all scheduling. The two communicate only by message passing: PeerEvents
// upward, PeerCommands downward.
package swarm

import (
	"peerwire/internal/shared/models"
	"peerwire/internal/wire"
)

// ConnID identifies one connection for the lifetime of the process. The
// remote peer id cannot serve as the key before the handshake completes,
// so events are tagged with this instead.
type ConnID int64

type EventKind int

const (
	// EventHandshake reports handshake completion; PeerID carries the
	// remote identity.
	EventHandshake EventKind = iota
	// EventMessage reports one decoded message from an established peer.
	EventMessage
	// EventViolation reports a fatal protocol error; the connection actor
	// has already closed the stream and accepts no further commands.
	EventViolation
	// EventDisconnected reports stream I/O failure or closure; Err carries
	// the reason. The connection actor has terminated.
	EventDisconnected
)

// PeerEvent is what a connection actor reports to the torrent actor.
type PeerEvent struct {
	Conn   ConnID
	Kind   EventKind
	PeerID models.PeerID
	Msg    wire.Message
	Err    error
}

type CommandKind int

const (
	CommandSend CommandKind = iota
	CommandClose
)

// PeerCommand is what the torrent actor sends down to a connection actor.
type PeerCommand struct {
	Kind CommandKind
	Msg  wire.Message
}
