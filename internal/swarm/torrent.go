package swarm

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"peerwire/internal/piece"
	"peerwire/internal/protocol"
	"peerwire/internal/shared/models"
	"peerwire/internal/wire"
)

// DefaultPipelineDepth caps the block requests kept in flight per peer.
const DefaultPipelineDepth = 5

const (
	dialTimeout = 10 * time.Second

	// maxRequestLength rejects absurd block requests; 128 KiB is well
	// above the 16 KiB everybody actually asks for.
	maxRequestLength = 128 * 1024

	// servesPerPass bounds how many queued blocks one peer gets served in
	// a single scheduling pass, so a greedy peer can't starve the rest.
	servesPerPass = 4

	eventBacklog = 256
)

// Storage is the persistence sink for verified pieces. Implementations are
// only called from the torrent actor's goroutine.
type Storage interface {
	PutPiece(index int, data []byte) error
	HasPiece(index int) bool
	ReadBlock(index, begin, length int) ([]byte, error)
}

type Config struct {
	Meta    models.TorrentMeta
	PeerID  models.PeerID
	Storage Storage

	// PipelineDepth defaults to DefaultPipelineDepth when zero.
	PipelineDepth int

	Logger *slog.Logger

	// OnPieceVerified, if set, is called from the actor goroutine after a
	// piece verifies. Keep it fast.
	OnPieceVerified func(index int)
}

// peerState is the torrent actor's record of one established peer, created
// on handshake completion and destroyed on disconnect. Both sides start
// choked and not interested.
type peerState struct {
	conn *connection
	id   models.PeerID

	bitfield wire.Bitfield

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	inflight   []piece.Request
	serveQueue []piece.Request
}

// Torrent is the actor coordinating one torrent's swarm. All swarm and
// piece state is owned by its run goroutine, which drains one inbox in
// arrival order; nothing else reads or mutates that state.
type Torrent struct {
	cfg   Config
	log   *slog.Logger
	table *piece.Table

	conns map[ConnID]*connection // all live connections
	swarm map[ConnID]*peerState  // only peers past the handshake

	events  chan PeerEvent
	control chan func()

	nextConn atomic.Int64

	quit chan struct{}
	done chan struct{}
}

func New(cfg Config) *Torrent {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = DefaultPipelineDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Torrent{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("info_hash", cfg.Meta.InfoHash.String())),
		table:   piece.NewTable(cfg.Meta),
		conns:   make(map[ConnID]*connection),
		swarm:   make(map[ConnID]*peerState),
		events:  make(chan PeerEvent, eventBacklog),
		control: make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	// pieces already persisted (seeding, resumed download) are verified
	for index := 0; index < cfg.Meta.NumPieces(); index++ {
		if cfg.Storage.HasPiece(index) {
			t.table.MarkVerified(index)
		}
	}
	if t.table.Complete() {
		close(t.done)
	}

	go t.run()
	return t
}

// Dial connects to a known peer and adds the connection as the
// handshake initiator. There is no automatic redial: a later disconnect
// surfaces through the logs and the caller decides whether to dial again.
func (t *Torrent) Dial(addr string) error {
	stream, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	t.Add(stream, true)
	return nil
}

// Add hands a connected stream to the swarm. initiator selects which side
// sends its handshake first: true for streams we dialed, false for
// accepted ones.
func (t *Torrent) Add(stream io.ReadWriteCloser, initiator bool) {
	id := ConnID(t.nextConn.Add(1))
	engine := protocol.New(t.cfg.Meta.InfoHash, t.cfg.PeerID, initiator)
	conn := newConnection(id, stream, engine, t.events, t.log)
	t.act(func() {
		t.conns[id] = conn
		conn.start()
	})
}

// Done is closed once every piece is verified.
func (t *Torrent) Done() <-chan struct{} {
	return t.done
}

// Peers returns the identities of the established peers currently in the
// swarm.
func (t *Torrent) Peers() []models.PeerID {
	reply := make(chan []models.PeerID, 1)
	t.act(func() {
		ids := make([]models.PeerID, 0, len(t.swarm))
		for _, ps := range t.swarm {
			ids = append(ids, ps.id)
		}
		reply <- ids
	})
	select {
	case ids := <-reply:
		return ids
	case <-t.quit:
		return nil
	}
}

// NumVerified reports download progress in pieces.
func (t *Torrent) NumVerified() int {
	reply := make(chan int, 1)
	t.act(func() {
		reply <- t.table.NumVerified()
	})
	select {
	case n := <-reply:
		return n
	case <-t.quit:
		return 0
	}
}

// Close tears down every connection and stops the actor.
func (t *Torrent) Close() {
	select {
	case <-t.quit:
	default:
		close(t.quit)
	}
}

// act runs f on the actor goroutine, in order with event processing.
func (t *Torrent) act(f func()) {
	select {
	case t.control <- f:
	case <-t.quit:
	}
}

func (t *Torrent) run() {
	for {
		select {
		case ev := <-t.events:
			t.handleEvent(ev)
			t.schedule()
		case f := <-t.control:
			f()
			t.schedule()
		case <-t.quit:
			for id, conn := range t.conns {
				conn.closeStream()
				delete(t.conns, id)
				delete(t.swarm, id)
			}
			return
		}
	}
}

func (t *Torrent) handleEvent(ev PeerEvent) {
	switch ev.Kind {
	case EventHandshake:
		conn, ok := t.conns[ev.Conn]
		if !ok {
			return
		}
		ps := &peerState{
			conn:        conn,
			id:          ev.PeerID,
			bitfield:    wire.NewBitfieldForPieces(t.cfg.Meta.NumPieces()),
			amChoking:   true,
			peerChoking: true,
		}
		t.swarm[ev.Conn] = ps
		t.log.Info("peer joined swarm", slog.String("peer", ev.PeerID.String()))
		t.send(ps, wire.NewBitfield(t.table.Bitfield()))

	case EventMessage:
		ps, ok := t.swarm[ev.Conn]
		if !ok {
			return
		}
		t.handleMessage(ps, ev.Msg)

	case EventViolation:
		t.log.Warn("protocol violation", slog.Any("error", ev.Err), slog.String("peer", t.peerName(ev.Conn)))
		t.dropPeer(ev.Conn)

	case EventDisconnected:
		t.log.Info("peer disconnected", slog.Any("reason", ev.Err), slog.String("peer", t.peerName(ev.Conn)))
		t.dropPeer(ev.Conn)
	}
}

func (t *Torrent) handleMessage(ps *peerState, msg wire.Message) {
	if msg.KeepAlive {
		return
	}

	switch msg.ID {
	case wire.MessageIDChoke:
		ps.peerChoking = true
		// the remote dropped our outstanding requests with the choke
		t.table.Release(ps.inflight)
		ps.inflight = nil

	case wire.MessageIDUnchoke:
		ps.peerChoking = false

	case wire.MessageIDInterested:
		ps.peerInterested = true
		if ps.amChoking {
			ps.amChoking = false
			t.send(ps, wire.Message{ID: wire.MessageIDUnchoke})
		}

	case wire.MessageIDNotInterested:
		ps.peerInterested = false

	case wire.MessageIDHave:
		if msg.Index >= 0 && msg.Index < t.cfg.Meta.NumPieces() {
			ps.bitfield.Set(msg.Index)
			t.updateInterest(ps)
		}

	case wire.MessageIDBitfield:
		ps.bitfield = msg.Bitfield
		t.updateInterest(ps)

	case wire.MessageIDRequest:
		t.handleRequest(ps, msg)

	case wire.MessageIDPiece:
		t.handleBlock(ps, msg)

	case wire.MessageIDCancel:
		for i, r := range ps.serveQueue {
			if r.Index == msg.Index && r.Begin == msg.Begin && r.Length == msg.Length {
				ps.serveQueue = append(ps.serveQueue[:i], ps.serveQueue[i+1:]...)
				break
			}
		}
	}
}

// handleRequest honors a block request only from an unchoked peer, for a
// locally verified in-range piece and a sane block range; anything else is
// ignored, never serviced.
func (t *Torrent) handleRequest(ps *peerState, msg wire.Message) {
	if ps.amChoking {
		return
	}
	if msg.Index < 0 || msg.Index >= t.cfg.Meta.NumPieces() || !t.table.Verified(msg.Index) {
		t.log.Debug("ignoring request for unavailable piece", slog.Int("piece", msg.Index), slog.String("peer", ps.id.String()))
		return
	}
	if msg.Length <= 0 || msg.Length > maxRequestLength || msg.Begin < 0 || msg.Begin+msg.Length > t.cfg.Meta.PieceSize(msg.Index) {
		t.log.Debug("ignoring request with bad range", slog.Int("piece", msg.Index), slog.Int("begin", msg.Begin), slog.Int("length", msg.Length))
		return
	}
	ps.serveQueue = append(ps.serveQueue, piece.Request{Index: msg.Index, Begin: msg.Begin, Length: msg.Length})
}

func (t *Torrent) handleBlock(ps *peerState, msg wire.Message) {
	for i, r := range ps.inflight {
		if r.Index == msg.Index && r.Begin == msg.Begin {
			ps.inflight = append(ps.inflight[:i], ps.inflight[i+1:]...)
			break
		}
	}

	complete, err := t.table.AddBlock(msg.Index, msg.Begin, msg.Block)
	if err != nil {
		t.log.Warn("dropping bad block", slog.Int("piece", msg.Index), slog.Int("begin", msg.Begin), slog.Any("error", err))
		return
	}
	if !complete {
		return
	}

	data, ok := t.table.Verify(msg.Index)
	if !ok {
		t.log.Warn("piece failed hash check, rescheduling", slog.Int("piece", msg.Index))
		return
	}
	if err := t.cfg.Storage.PutPiece(msg.Index, data); err != nil {
		t.log.Error("failed to persist piece", slog.Int("piece", msg.Index), slog.Any("error", err))
	}
	t.log.Info("piece verified", slog.Int("piece", msg.Index), slog.Int("verified", t.table.NumVerified()), slog.Int("total", t.table.NumPieces()))

	for _, other := range t.swarm {
		t.send(other, wire.NewHave(msg.Index))
	}
	if t.cfg.OnPieceVerified != nil {
		t.cfg.OnPieceVerified(msg.Index)
	}
	if t.table.Complete() {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}

// updateInterest announces interest once the peer has a piece we still
// need. The flag is sticky: we never send NotInterested mid-download.
func (t *Torrent) updateInterest(ps *peerState) {
	if ps.amInterested {
		return
	}
	for index := 0; index < t.cfg.Meta.NumPieces(); index++ {
		if ps.bitfield.Has(index) && !t.table.Verified(index) {
			ps.amInterested = true
			t.send(ps, wire.Message{ID: wire.MessageIDInterested})
			return
		}
	}
}

// schedule runs after every inbox item: serve queued uploads, then top up
// each eligible peer's request pipeline.
func (t *Torrent) schedule() {
	for _, ps := range t.swarm {
		served := 0
		for len(ps.serveQueue) > 0 && served < servesPerPass {
			r := ps.serveQueue[0]
			ps.serveQueue = ps.serveQueue[1:]
			block, err := t.cfg.Storage.ReadBlock(r.Index, r.Begin, r.Length)
			if err != nil {
				t.log.Warn("cannot serve block", slog.Int("piece", r.Index), slog.Any("error", err))
				continue
			}
			t.send(ps, wire.NewPiece(r.Index, r.Begin, block))
			served++
		}

		if ps.peerChoking || !ps.amInterested {
			continue
		}
		budget := t.cfg.PipelineDepth - len(ps.inflight)
		if budget <= 0 {
			continue
		}
		for _, r := range t.table.NextRequests(ps.bitfield.Has, budget) {
			ps.inflight = append(ps.inflight, r)
			t.send(ps, wire.NewRequest(r.Index, r.Begin, r.Length))
		}
	}
}

// dropPeer removes a connection from the swarm and returns its in-flight
// requests to the unassigned pool so another peer can pick them up.
func (t *Torrent) dropPeer(id ConnID) {
	if ps, ok := t.swarm[id]; ok {
		t.table.Release(ps.inflight)
		delete(t.swarm, id)
	}
	delete(t.conns, id)
}

// send never blocks the actor: a connection whose command backlog is full
// loses the message and will be cut loose by its own I/O before long.
func (t *Torrent) send(ps *peerState, msg wire.Message) {
	select {
	case ps.conn.commands <- PeerCommand{Kind: CommandSend, Msg: msg}:
	default:
		t.log.Warn("command backlog full, dropping message", slog.String("peer", ps.id.String()), slog.String("msg", msg.String()))
	}
}

func (t *Torrent) peerName(id ConnID) string {
	if ps, ok := t.swarm[id]; ok {
		return ps.id.String()
	}
	return fmt.Sprintf("conn-%d", id)
}
