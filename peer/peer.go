// Package peer runs one goroutine-per-connection peer sessions, the manager
// that owns them and the choke policy that picks which of them may download.
package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/stats"
	"github.com/kscz/flakes/swarm"
	"github.com/kscz/flakes/torrent"
	"github.com/kscz/flakes/wire"
)

var (
	DIAL_TIMEOUT        = 2 * time.Second
	PEER_TIMEOUT        = 2 * time.Minute
	KEEP_ALIVE_INTERVAL = time.Minute

	// Request pipeline depth: start at the classic five outstanding
	// requests, grow while blocks keep arriving on time, shrink when the
	// scheduler reaps a timeout.
	INITIAL_PIPELINE_DEPTH = 5
	MAX_PIPELINE_DEPTH     = 64
)

var (
	ErrConnect           = fmt.Errorf("peer: connect failed")
	ErrHandshakeMismatch = fmt.Errorf("peer: handshake mismatch")
	ErrProtocolViolation = fmt.Errorf("peer: protocol violation")
)

var (
	dial    = net.DialTimeout
	newWire = wire.NewWire
)

// Lifecycle is the coarse connection phase. The four choke/interest flags in
// connState are only meaningful while Active.
type Lifecycle int

const (
	Connecting Lifecycle = iota
	Handshaking
	Active
	Closing
	Closed
)

func (l Lifecycle) String() string {
	switch l {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type connState struct {
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
}

type Peer interface {
	Start()
	// Stop tears the session down: closes the connection, releases the
	// peer's scheduler requests and removes it from the manager. Safe to
	// call more than once.
	Stop(reason error)
	ID() string
	GetPeerInfo() (id string, state connState, lifecycle Lifecycle, lastBlock int64)

	// Choker and manager entry points.
	Choke()
	Unchoke()
	Have(pieceIndex int)
	CancelBlock(b piece.Block)
	RequestsTimedOut(count int)
}

type peer struct {
	sync.Mutex
	id            string
	wire          wire.Wire
	tor           *torrent.Torrent
	store         piece.Store
	scheduler     swarm.Scheduler
	peerMgr       PeerManager
	stats         stats.Stats
	uploadLimiter *rate.Limiter
	log           *logrus.Entry

	lifecycle     Lifecycle
	remoteID      string // 20-byte id the remote presented at handshake
	state         connState
	peerBitfield  bitmap.Bitmap
	gotBitfield   bool
	sawMessage    bool
	pipelineDepth int
	lastBlock     int64
	uploadCancel  map[piece.Block]chan struct{}
	quit          chan struct{}
}

func NewPeer(
	id string,
	w wire.Wire,
	tor *torrent.Torrent,
	store piece.Store,
	scheduler swarm.Scheduler,
	peerMgr PeerManager,
	st stats.Stats,
	uploadLimiter *rate.Limiter) Peer {

	return &peer{
		id:            id,
		wire:          w,
		tor:           tor,
		store:         store,
		scheduler:     scheduler,
		peerMgr:       peerMgr,
		stats:         st,
		uploadLimiter: uploadLimiter,
		log:           logrus.WithFields(logrus.Fields{"component": "peer", "peer": id}),
		state: connState{
			amChoking:   true,
			peerChoking: true,
		},
		pipelineDepth: INITIAL_PIPELINE_DEPTH,
		uploadCancel:  make(map[piece.Block]chan struct{}),
		quit:          make(chan struct{}),
	}
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) GetPeerInfo() (string, connState, Lifecycle, int64) {
	p.Lock()
	defer p.Unlock()

	return p.id, p.state, p.lifecycle, p.lastBlock
}

func (p *peer) Stop(reason error) {
	p.Lock()
	if p.lifecycle == Closing || p.lifecycle == Closed {
		p.Unlock()
		return
	}
	p.lifecycle = Closing
	close(p.quit)
	for _, cancel := range p.uploadCancel {
		close(cancel)
	}
	p.uploadCancel = make(map[piece.Block]chan struct{})
	w := p.wire
	p.Unlock()

	if w != nil {
		w.Close()
	}
	// Releasing in-flight requests before deregistering keeps the blocks
	// schedulable for the surviving peers without waiting on a tick.
	p.scheduler.PeerStopped(p.id)
	p.stats.RemovePeer(p.id)
	p.peerMgr.RemovePeer(p.id)

	p.Lock()
	p.lifecycle = Closed
	p.Unlock()
	if reason != nil {
		p.log.WithField("reason", reason).Debug("peer stopped")
	}
}

func (p *peer) Start() {
	if p.wire == nil {
		conn, err := dial("tcp", p.id, DIAL_TIMEOUT)
		if err != nil {
			p.Stop(fmt.Errorf("%w: %v", ErrConnect, err))
			return
		}
		p.Lock()
		if p.lifecycle != Connecting {
			p.Unlock()
			conn.Close()
			return
		}
		p.wire = newWire(conn, PEER_TIMEOUT)
		p.Unlock()
	}

	// Stop may have run since the dial; advancing a Closing or Closed
	// session into the handshake would resurrect it.
	p.Lock()
	if p.lifecycle != Connecting {
		p.Unlock()
		return
	}
	p.lifecycle = Handshaking
	p.Unlock()

	if err := p.wire.SendHandshake(p.tor.InfoHash, torrent.PEER_ID); err != nil {
		p.Stop(err)
		return
	}
	length, protocol, _, infoHash, remoteID, err := p.wire.ReadHandshake()
	if err != nil {
		p.Stop(err)
		return
	}
	if length != uint8(len(wire.PROTOCOL)) ||
		protocol != wire.PROTOCOL ||
		!bytes.Equal(infoHash, p.tor.InfoHash) {
		p.peerMgr.MarkRejected(p.id)
		p.Stop(ErrHandshakeMismatch)
		return
	}

	if err := p.wire.SendBitfield(p.store.Bitfield()); err != nil {
		p.Stop(err)
		return
	}

	p.Lock()
	if p.lifecycle != Handshaking {
		p.Unlock()
		return
	}
	p.lifecycle = Active
	p.remoteID = string(remoteID)
	p.Unlock()
	p.log.WithField("remote_id", fmt.Sprintf("%q", remoteID)).Debug("peer active")

	go p.keepAlive()

	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if err != nil {
			p.Stop(err)
			return
		}
		if length == 0 {
			// keep-alive
			continue
		}
		if err := p.handleMessage(messageID, payload); err != nil {
			p.Stop(err)
			return
		}
	}
}

func (p *peer) keepAlive() {
	ticker := time.NewTicker(KEEP_ALIVE_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case now := <-ticker.C:
			if p.wire.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
				if err := p.wire.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}
}

func (p *peer) handleMessage(messageID byte, payload []byte) error {
	switch messageID {
	case wire.CHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.sawMessage = true
		p.Unlock()
		if !wasChoking {
			p.scheduler.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		p.sawMessage = true
		p.Unlock()
		if wasChoking {
			p.requestMore()
		}
	case wire.INTERESTED:
		p.Lock()
		p.state.peerInterested = true
		p.sawMessage = true
		p.Unlock()
	case wire.NOT_INTERESTED:
		p.Lock()
		p.state.peerInterested = false
		p.sawMessage = true
		p.Unlock()
	case wire.HAVE:
		return p.handleHave(payload)
	case wire.BITFIELD:
		return p.handleBitfield(payload)
	case wire.REQUEST:
		return p.handleRequest(payload)
	case wire.BLOCK:
		return p.handleBlock(payload)
	case wire.CANCEL:
		return p.handleCancel(payload)
	case wire.PORT:
		// DHT port announcement, not supported
		p.Lock()
		p.sawMessage = true
		p.Unlock()
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, messageID)
	}
	return nil
}

func (p *peer) handleHave(payload []byte) error {
	if len(payload) != 4 {
		return fmt.Errorf("%w: have payload %d bytes", ErrProtocolViolation, len(payload))
	}
	pieceIndex := int(int32(binary.BigEndian.Uint32(payload)))
	if pieceIndex < 0 || pieceIndex >= p.tor.NumPieces {
		return fmt.Errorf("%w: have index %d out of range", ErrProtocolViolation, pieceIndex)
	}

	p.Lock()
	p.sawMessage = true
	if p.peerBitfield == nil {
		p.peerBitfield = bitmap.New(p.tor.NumPieces)
	}
	p.peerBitfield.Set(pieceIndex, true)
	p.Unlock()
	p.scheduler.PeerHave(p.id, pieceIndex)

	if !p.store.IsPieceComplete(pieceIndex) {
		if err := p.becomeInterested(); err != nil {
			return err
		}
	}
	return nil
}

func (p *peer) handleBitfield(payload []byte) error {
	p.Lock()
	duplicate := p.gotBitfield
	late := p.sawMessage
	p.sawMessage = true
	p.Unlock()
	if duplicate {
		return fmt.Errorf("%w: second bitfield", ErrProtocolViolation)
	}
	if late {
		return fmt.Errorf("%w: bitfield after other messages", ErrProtocolViolation)
	}
	if len(payload) != (p.tor.NumPieces+7)/8 {
		return fmt.Errorf("%w: bitfield length %d", ErrProtocolViolation, len(payload))
	}

	bf := bitmap.New(p.tor.NumPieces)
	interesting := false
	for i := 0; i < len(payload)*8; i++ {
		// wire order: piece 0 is the high bit of byte 0
		if payload[i/8]&(1<<uint(7-i%8)) == 0 {
			continue
		}
		if i >= p.tor.NumPieces {
			return fmt.Errorf("%w: bitfield spare bit %d set", ErrProtocolViolation, i)
		}
		bf.Set(i, true)
		if !p.store.IsPieceComplete(i) {
			interesting = true
		}
	}

	p.Lock()
	p.gotBitfield = true
	p.peerBitfield = bf
	p.Unlock()
	p.scheduler.PeerBitfield(p.id, bf)

	if interesting {
		return p.becomeInterested()
	}
	return nil
}

// becomeInterested sends interested once and primes the request pipeline if
// the peer already unchoked us.
func (p *peer) becomeInterested() error {
	p.Lock()
	if p.state.amInterested {
		p.Unlock()
		return nil
	}
	p.state.amInterested = true
	choked := p.state.peerChoking
	p.Unlock()

	if err := p.wire.SendInterested(); err != nil {
		return err
	}
	if !choked {
		p.requestMore()
	}
	return nil
}

// requestMore tops the pipeline back up to its current depth.
func (p *peer) requestMore() {
	p.Lock()
	if p.state.peerChoking || !p.state.amInterested {
		p.Unlock()
		return
	}
	depth := p.pipelineDepth
	p.Unlock()

	want := depth - p.scheduler.Pending(p.id)
	if want <= 0 {
		return
	}
	for _, b := range p.scheduler.PickBlocks(p.id, want, time.Now()) {
		if err := p.wire.SendRequest(b.Index, b.Begin, b.Length); err != nil {
			p.Stop(err)
			return
		}
	}
}

func (p *peer) handleRequest(payload []byte) error {
	if len(payload) != 12 {
		return fmt.Errorf("%w: request payload %d bytes", ErrProtocolViolation, len(payload))
	}
	pieceIndex := int(int32(binary.BigEndian.Uint32(payload[0:4])))
	begin := int(int32(binary.BigEndian.Uint32(payload[4:8])))
	length := int(int32(binary.BigEndian.Uint32(payload[8:12])))

	p.Lock()
	p.sawMessage = true
	choking := p.state.amChoking
	interested := p.state.peerInterested
	p.Unlock()
	if choking || !interested {
		return fmt.Errorf("%w: request while choked or not interested", ErrProtocolViolation)
	}
	if pieceIndex < 0 || pieceIndex >= p.tor.NumPieces {
		return fmt.Errorf("%w: request index %d out of range", ErrProtocolViolation, pieceIndex)
	}
	if length <= 0 || length > piece.BLOCK_SIZE {
		return fmt.Errorf("%w: request length %d", ErrProtocolViolation, length)
	}
	if begin < 0 || begin+length > p.tor.PieceLength(pieceIndex) {
		return fmt.Errorf("%w: request range %d+%d", ErrProtocolViolation, begin, length)
	}

	b := piece.Block{Index: pieceIndex, Begin: begin, Length: length}
	cancel := make(chan struct{})
	p.Lock()
	if p.lifecycle != Active {
		p.Unlock()
		return nil
	}
	p.uploadCancel[b] = cancel
	p.Unlock()

	go p.serveBlock(b, cancel)
	return nil
}

// serveBlock answers one upload request, pacing through the shared limiter
// and bailing out if a cancel or teardown lands first.
func (p *peer) serveBlock(b piece.Block, cancel chan struct{}) {
	reservation := p.uploadLimiter.ReserveN(time.Now(), b.Length)
	if !reservation.OK() {
		return
	}
	select {
	case <-cancel:
		reservation.Cancel()
		return
	case <-time.After(reservation.Delay()):
	}

	p.Lock()
	delete(p.uploadCancel, b)
	p.Unlock()

	data, err := p.store.ReadBlock(b.Index, b.Begin, b.Length)
	if err != nil {
		p.Stop(err)
		return
	}
	if err := p.wire.SendBlock(b.Index, b.Begin, data); err != nil {
		p.Stop(err)
		return
	}
	p.stats.UpdatePeer(p.id, b.Length, 0)
}

func (p *peer) handleCancel(payload []byte) error {
	if len(payload) != 12 {
		return fmt.Errorf("%w: cancel payload %d bytes", ErrProtocolViolation, len(payload))
	}
	b := piece.Block{
		Index:  int(int32(binary.BigEndian.Uint32(payload[0:4]))),
		Begin:  int(int32(binary.BigEndian.Uint32(payload[4:8]))),
		Length: int(int32(binary.BigEndian.Uint32(payload[8:12]))),
	}

	p.Lock()
	p.sawMessage = true
	if cancel, ok := p.uploadCancel[b]; ok {
		close(cancel)
		delete(p.uploadCancel, b)
	}
	p.Unlock()
	return nil
}

func (p *peer) handleBlock(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("%w: piece payload %d bytes", ErrProtocolViolation, len(payload))
	}
	pieceIndex := int(int32(binary.BigEndian.Uint32(payload[0:4])))
	begin := int(int32(binary.BigEndian.Uint32(payload[4:8])))
	data := payload[8:]
	b := piece.Block{Index: pieceIndex, Begin: begin, Length: len(data)}

	requested, duplicates := p.scheduler.BlockReceived(p.id, b)
	if !requested {
		// A request released by a timeout can still be answered; the
		// block is useful either way and the hash check guards it.
		p.log.WithFields(logrus.Fields{"piece": pieceIndex, "begin": begin}).
			Debug("block arrived without a live request")
	}
	for _, dup := range duplicates {
		p.peerMgr.CancelBlock(dup, b)
	}

	event, contributors, err := p.store.WriteBlock(p.id, pieceIndex, begin, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	p.stats.UpdatePeer(p.id, 0, len(data))

	p.Lock()
	p.sawMessage = true
	p.lastBlock = time.Now().Unix()
	if requested && p.pipelineDepth < MAX_PIPELINE_DEPTH {
		p.pipelineDepth++
	}
	p.Unlock()

	switch event {
	case piece.PieceVerified:
		p.scheduler.PieceVerified(pieceIndex)
		p.stats.SetLeft(p.tor.Length - p.store.BytesVerified())
		p.peerMgr.BroadcastHave(pieceIndex)
	case piece.PieceCorrupt:
		p.scheduler.PieceCorrupt(pieceIndex)
		p.peerMgr.RecordCorruption(contributors)
	}

	p.requestMore()
	return nil
}

func (p *peer) Choke() {
	p.Lock()
	if p.state.amChoking || p.wire == nil {
		p.Unlock()
		return
	}
	p.state.amChoking = true
	for _, cancel := range p.uploadCancel {
		close(cancel)
	}
	p.uploadCancel = make(map[piece.Block]chan struct{})
	p.Unlock()
	p.wire.SendChoke()
}

func (p *peer) Unchoke() {
	p.Lock()
	if !p.state.amChoking || p.wire == nil {
		p.Unlock()
		return
	}
	p.state.amChoking = false
	p.Unlock()
	p.wire.SendUnchoke()
}

func (p *peer) Have(pieceIndex int) {
	p.Lock()
	w := p.wire
	active := p.lifecycle == Active
	p.Unlock()
	if active && w != nil {
		w.SendHave(pieceIndex)
	}
}

func (p *peer) CancelBlock(b piece.Block) {
	p.Lock()
	w := p.wire
	active := p.lifecycle == Active
	p.Unlock()
	if active && w != nil {
		w.SendCancel(b.Index, b.Begin, b.Length)
	}
}

// RequestsTimedOut halves the pipeline after the scheduler reaped this peer's
// expired requests.
func (p *peer) RequestsTimedOut(count int) {
	p.Lock()
	p.pipelineDepth /= 2
	if p.pipelineDepth < 1 {
		p.pipelineDepth = 1
	}
	p.Unlock()
	p.log.WithField("count", count).Debug("requests timed out, pipeline shrunk")
}
