package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/stats"
)

const (
	SNUBBED_PERIOD = 60
	CHOKE_INTERVAL = 10 * time.Second
	DOWNLOADERS    = 5
)

type peerInfo struct {
	peer          Peer
	state         connState
	lastBlock     int64
	speed         int
	shouldUnchoke bool
	snubbed       bool
}

type Choke interface {
	Start()
}

type choke struct {
	peerMgr PeerManager
	store   piece.Store
	stats   stats.Stats
	quit    chan struct{}
	log     *logrus.Entry
}

func NewChoke(
	peerMgr PeerManager,
	store piece.Store,
	st stats.Stats,
	quit chan struct{}) Choke {

	return &choke{
		peerMgr: peerMgr,
		store:   store,
		stats:   st,
		quit:    quit,
		log:     logrus.WithField("component", "choke"),
	}
}

func sortBySpeed(peers []*peerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

func (c *choke) choke() {
	peerStats := c.stats.GetPeerStats()
	seeding := c.store.Complete()

	peerInfos := []*peerInfo{}
	for _, p := range c.peerMgr.GetPeerList() {
		id, state, lifecycle, lastBlock := p.GetPeerInfo()
		if lifecycle != Active {
			continue
		}
		info := &peerInfo{
			peer:      p,
			state:     state,
			lastBlock: lastBlock,
		}
		if peerStat, ok := peerStats[id]; ok {
			// while leeching reward peers that send to us; while seeding
			// reward peers that take from us
			if seeding {
				info.speed = peerStat.UploadRate
			} else {
				info.speed = peerStat.DownloadRate
			}
		}
		if info.state.amInterested && !info.state.peerChoking {
			if time.Now().Unix()-info.lastBlock > SNUBBED_PERIOD {
				info.snubbed = true
			}
		}
		peerInfos = append(peerInfos, info)
	}

	interested := []*peerInfo{}
	notInterested := []*peerInfo{}
	for _, info := range peerInfos {
		if info.state.peerInterested && !info.snubbed {
			interested = append(interested, info)
		} else {
			notInterested = append(notInterested, info)
		}
	}
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// Unchoke the fastest interested peers so they keep reciprocating.
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Faster uninterested peers stay unchoked too, so that when they turn
	// interested they may pick us as a reciprocation target.
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// Optimistic unchoke: one random remaining interested peer gets a chance
	// to prove itself.
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		for _, info := range rest {
			if info.state.peerInterested {
				info.shouldUnchoke = true
				break
			}
		}
	}

	for _, info := range peerInfos {
		if info.shouldUnchoke && info.state.amChoking {
			info.peer.Unchoke()
		}
		if !info.shouldUnchoke && !info.state.amChoking {
			info.peer.Choke()
		}
	}
}

func (c *choke) Start() {
	ticker := time.NewTicker(CHOKE_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.choke()
		}
	}
}
