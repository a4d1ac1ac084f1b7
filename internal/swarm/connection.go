package swarm

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"peerwire/internal/protocol"
	"peerwire/internal/wire"
)

const (
	readBufferSize = 32 * 1024
	commandBacklog = 512

	// keepAliveInterval bounds outbound silence so idle peers don't time
	// us out.
	keepAliveInterval = 2 * time.Minute
)

// connection is the actor owning one transport stream and one protocol
// engine. A reader goroutine moves raw bytes from the stream into the
// actor loop; the loop alone touches the engine, feeding it inbound bytes,
// applying commands and flushing the outbound buffer back to the stream.
type connection struct {
	id     ConnID
	stream io.ReadWriteCloser
	engine *protocol.Engine
	log    *slog.Logger

	events   chan<- PeerEvent
	commands chan PeerCommand

	incoming chan []byte
	readErr  error

	closeOnce sync.Once
}

func newConnection(id ConnID, stream io.ReadWriteCloser, engine *protocol.Engine, events chan<- PeerEvent, log *slog.Logger) *connection {
	return &connection{
		id:       id,
		stream:   stream,
		engine:   engine,
		log:      log.With(slog.Int64("conn", int64(id))),
		events:   events,
		commands: make(chan PeerCommand, commandBacklog),
		incoming: make(chan []byte, 16),
	}
}

func (c *connection) start() {
	go c.readLoop()
	go c.run()
}

// readLoop blocks on the stream so the actor loop never has to. It closes
// incoming when the stream fails, storing the reason first.
func (c *connection) readLoop() {
	for {
		buf := make([]byte, readBufferSize)
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.incoming <- buf[:n]
		}
		if err != nil {
			c.readErr = err
			close(c.incoming)
			return
		}
	}
}

func (c *connection) run() {
	defer c.closeStream()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	// an initiating engine starts with its handshake already queued
	if err := c.flush(); err != nil {
		c.disconnected(err)
		return
	}

	for {
		select {
		case data, ok := <-c.incoming:
			if !ok {
				c.disconnected(c.readErr)
				return
			}
			for _, ev := range c.engine.Feed(data) {
				switch ev.Kind {
				case protocol.EventHandshakeCompleted:
					c.events <- PeerEvent{Conn: c.id, Kind: EventHandshake, PeerID: ev.PeerID}
				case protocol.EventMessageReceived:
					c.events <- PeerEvent{Conn: c.id, Kind: EventMessage, Msg: ev.Msg}
				case protocol.EventProtocolViolation:
					c.events <- PeerEvent{Conn: c.id, Kind: EventViolation, Err: ev.Err}
					return
				}
			}
			if err := c.flush(); err != nil {
				c.disconnected(err)
				return
			}

		case cmd := <-c.commands:
			switch cmd.Kind {
			case CommandSend:
				if err := c.engine.Send(cmd.Msg); err != nil {
					c.log.Warn("dropping send", slog.String("msg", cmd.Msg.String()), slog.Any("error", err))
					continue
				}
				if err := c.flush(); err != nil {
					c.disconnected(err)
					return
				}
			case CommandClose:
				c.engine.Close()
				return
			}

		case <-keepAlive.C:
			if c.engine.State() != protocol.StateEstablished {
				continue
			}
			_ = c.engine.Send(wire.NewKeepAlive())
			if err := c.flush(); err != nil {
				c.disconnected(err)
				return
			}
		}
	}
}

func (c *connection) flush() error {
	out := c.engine.TakeOutbound()
	if len(out) == 0 {
		return nil
	}
	_, err := c.stream.Write(out)
	return err
}

func (c *connection) disconnected(err error) {
	c.events <- PeerEvent{Conn: c.id, Kind: EventDisconnected, Err: err}
}

func (c *connection) closeStream() {
	c.closeOnce.Do(func() {
		c.stream.Close()
	})
}
