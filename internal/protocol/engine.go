// Package protocol holds the per-connection protocol engine: a state
// machine that turns incoming bytes into decoded events and outgoing
// messages into encoded bytes. It performs no I/O and spawns nothing; the
// owning connection actor calls it synchronously, which is what makes it
// testable by feeding byte slices and asserting the emitted events.
package protocol

import (
	"errors"
	"fmt"

	"peerwire/internal/shared/models"
	"peerwire/internal/wire"
)

type State int

const (
	StateAwaitingHandshake State = iota
	StateEstablished
	StateClosed
)

var ErrNotEstablished = errors.New("connection not established")

// EventKind tags the events an engine emits while consuming bytes.
type EventKind int

const (
	// EventHandshakeCompleted carries the remote peer id in Event.PeerID.
	EventHandshakeCompleted EventKind = iota
	// EventMessageReceived carries the decoded message in Event.Msg.
	EventMessageReceived
	// EventProtocolViolation carries the cause in Event.Err; the engine is
	// Closed after emitting it.
	EventProtocolViolation
)

type Event struct {
	Kind   EventKind
	PeerID models.PeerID
	Msg    wire.Message
	Err    error
}

// Engine is the sans-io state machine for one connection. An initiator
// starts with its own handshake already queued in the outbound buffer; a
// non-initiator queues its handshake only after validating the remote one.
type Engine struct {
	state     State
	initiator bool

	infoHash models.Hash
	localID  models.PeerID
	remoteID models.PeerID

	inbound  []byte
	outbound []byte
}

func New(infoHash models.Hash, localID models.PeerID, initiator bool) *Engine {
	e := &Engine{
		initiator: initiator,
		infoHash:  infoHash,
		localID:   localID,
	}
	if initiator {
		e.outbound = wire.EncodeHandshake(infoHash, localID)
	}
	return e
}

func (e *Engine) State() State {
	return e.state
}

// RemoteID is valid once the engine reached StateEstablished.
func (e *Engine) RemoteID() models.PeerID {
	return e.remoteID
}

// Feed consumes bytes from the transport and returns the events they
// produced. Input while Closed is a no-op.
func (e *Engine) Feed(data []byte) []Event {
	if e.state == StateClosed {
		return nil
	}
	e.inbound = append(e.inbound, data...)

	var events []Event
	for e.state != StateClosed {
		switch e.state {
		case StateAwaitingHandshake:
			remoteHash, remoteID, consumed, err := wire.DecodeHandshake(e.inbound)
			if errors.Is(err, wire.ErrNeedMoreBytes) {
				return events
			}
			if err != nil {
				return append(events, e.violation(err))
			}
			if remoteHash != e.infoHash {
				return append(events, e.violation(fmt.Errorf("info hash mismatch: expected %s, got %s", e.infoHash, remoteHash)))
			}
			e.inbound = e.inbound[consumed:]
			e.remoteID = remoteID
			e.state = StateEstablished
			if !e.initiator {
				e.outbound = append(e.outbound, wire.EncodeHandshake(e.infoHash, e.localID)...)
			}
			events = append(events, Event{Kind: EventHandshakeCompleted, PeerID: remoteID})

		case StateEstablished:
			msg, consumed, err := wire.Decode(e.inbound)
			if errors.Is(err, wire.ErrNeedMoreBytes) {
				return events
			}
			if err != nil {
				return append(events, e.violation(err))
			}
			e.inbound = e.inbound[consumed:]
			events = append(events, Event{Kind: EventMessageReceived, Msg: msg})
		}
	}
	return events
}

func (e *Engine) violation(err error) Event {
	e.state = StateClosed
	e.inbound = nil
	return Event{Kind: EventProtocolViolation, Err: err}
}

// Send queues a message for transmission. Only the handshake (queued by the
// engine itself) may precede handshake completion, so sends before
// StateEstablished are rejected.
func (e *Engine) Send(m wire.Message) error {
	if e.state != StateEstablished {
		return ErrNotEstablished
	}
	e.outbound = append(e.outbound, wire.Encode(m)...)
	return nil
}

// TakeOutbound returns the pending encoded bytes and clears the buffer.
// The caller is responsible for writing them to the transport.
func (e *Engine) TakeOutbound() []byte {
	out := e.outbound
	e.outbound = nil
	return out
}

// Close moves the engine to its terminal state; any later input is ignored
// and sends are rejected.
func (e *Engine) Close() {
	e.state = StateClosed
	e.inbound = nil
	e.outbound = nil
}
