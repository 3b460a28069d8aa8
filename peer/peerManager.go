package peer

import (
	"fmt"
	"net"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/stats"
	"github.com/kscz/flakes/swarm"
	"github.com/kscz/flakes/torrent"
	"github.com/kscz/flakes/wire"
)

var (
	MAX_PEERS = 50

	// A peer is banned once it has contributed to this many corrupt pieces.
	CORRUPTION_STRIKES = 2
)

type PeerManager interface {
	// AddPeer registers an address. A nil conn means dial out; otherwise the
	// connection was accepted by the listener.
	AddPeer(id string, conn net.Conn)
	RemovePeer(id string)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers()

	BroadcastHave(pieceIndex int)
	CancelBlock(id string, b piece.Block)
	// RecordCorruption charges every contributor of a corrupt piece with a
	// strike; peers that reach the limit are banned and dropped.
	RecordCorruption(contributors mapset.Set)
	// MarkRejected blacklists an address whose handshake didn't match; it is
	// never redialed this session.
	MarkRejected(id string)
	RequestsTimedOut(expired map[string]int)
}

type peerManager struct {
	sync.RWMutex
	tor           *torrent.Torrent
	store         piece.Store
	scheduler     swarm.Scheduler
	stats         stats.Stats
	uploadLimiter *rate.Limiter
	maxPeers      int
	peers         map[string]Peer
	bannedPeers   mapset.Set
	rejectedPeers mapset.Set
	strikes       map[string]int
	log           *logrus.Entry
}

func NewPeerManager(
	tor *torrent.Torrent,
	store piece.Store,
	scheduler swarm.Scheduler,
	st stats.Stats,
	uploadLimiter *rate.Limiter,
	maxPeers int) PeerManager {

	if maxPeers <= 0 {
		maxPeers = MAX_PEERS
	}
	return &peerManager{
		tor:           tor,
		store:         store,
		scheduler:     scheduler,
		stats:         st,
		uploadLimiter: uploadLimiter,
		maxPeers:      maxPeers,
		peers:         make(map[string]Peer),
		bannedPeers:   mapset.NewSet(),
		rejectedPeers: mapset.NewSet(),
		strikes:       make(map[string]int),
		log:           logrus.WithField("component", "peermgr"),
	}
}

func (pm *peerManager) AddPeer(id string, conn net.Conn) {
	pm.Lock()
	if pm.bannedPeers.Contains(id) || pm.rejectedPeers.Contains(id) {
		pm.Unlock()
		return
	}
	if len(pm.peers) >= pm.maxPeers {
		pm.Unlock()
		return
	}
	if _, ok := pm.peers[id]; ok {
		pm.Unlock()
		return
	}

	w := (wire.Wire)(nil)
	if conn != nil {
		w = newWire(conn, PEER_TIMEOUT)
	}
	p := NewPeer(id, w, pm.tor, pm.store, pm.scheduler, pm, pm.stats, pm.uploadLimiter)
	pm.peers[id] = p
	pm.Unlock()

	go p.Start()
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	delete(pm.peers, id)
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()

	return len(pm.peers)
}

func (pm *peerManager) StopPeers() {
	for _, p := range pm.GetPeerList() {
		p.Stop(fmt.Errorf("shutting down"))
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	for _, p := range pm.GetPeerList() {
		p.Have(pieceIndex)
	}
}

func (pm *peerManager) CancelBlock(id string, b piece.Block) {
	pm.RLock()
	p, ok := pm.peers[id]
	pm.RUnlock()
	if ok {
		p.CancelBlock(b)
	}
}

func (pm *peerManager) MarkRejected(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.rejectedPeers.Add(id)
}

func (pm *peerManager) RecordCorruption(contributors mapset.Set) {
	banned := []Peer{}
	pm.Lock()
	for _, c := range contributors.ToSlice() {
		id := c.(string)
		pm.strikes[id]++
		if pm.strikes[id] < CORRUPTION_STRIKES {
			continue
		}
		pm.bannedPeers.Add(id)
		if p, ok := pm.peers[id]; ok {
			banned = append(banned, p)
		}
	}
	pm.Unlock()

	for _, p := range banned {
		pm.log.WithField("peer", p.ID()).Warn("banning peer for repeated corruption")
		p.Stop(fmt.Errorf("banned after %d corrupt pieces", CORRUPTION_STRIKES))
	}
}

func (pm *peerManager) RequestsTimedOut(expired map[string]int) {
	pm.RLock()
	notify := []struct {
		p     Peer
		count int
	}{}
	for id, count := range expired {
		if p, ok := pm.peers[id]; ok {
			notify = append(notify, struct {
				p     Peer
				count int
			}{p, count})
		}
	}
	pm.RUnlock()

	for _, n := range notify {
		n.p.RequestsTimedOut(n.count)
	}
}
