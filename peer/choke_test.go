package peer

import (
	"crypto/sha1"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/stats"
	"github.com/kscz/flakes/storage"
	"github.com/kscz/flakes/swarm"
	"github.com/kscz/flakes/torrent"
)

type fakePeer struct {
	id        string
	state     connState
	lastBlock int64
	choked    bool
	unchoked  bool
}

func (f *fakePeer) Start()                  {}
func (f *fakePeer) Stop(error)              {}
func (f *fakePeer) ID() string              { return f.id }
func (f *fakePeer) Choke()                  { f.choked = true }
func (f *fakePeer) Unchoke()                { f.unchoked = true }
func (f *fakePeer) Have(int)                {}
func (f *fakePeer) CancelBlock(piece.Block) {}
func (f *fakePeer) RequestsTimedOut(int)    {}

func (f *fakePeer) GetPeerInfo() (string, connState, Lifecycle, int64) {
	return f.id, f.state, Active, f.lastBlock
}

func chokeHarness(t *testing.T) (*choke, *peerManager, stats.Stats) {
	t.Helper()
	content := make([]byte, piece.BLOCK_SIZE)
	h := sha1.Sum(content)
	tor := &torrent.Torrent{
		Length:    len(content),
		NumPieces: 1,
		MetaInfo:  torrent.MetaInfo{Info: torrent.Info{PieceLength: len(content), Pieces: string(h[:])}},
	}
	st := piece.NewStore(tor, storage.NewMemoryStorage(len(content)))
	sched := swarm.NewScheduler(tor, st, time.Second)
	sts := stats.NewStats(0, 0, len(content))
	pm := NewPeerManager(tor, st, sched, sts, rate.NewLimiter(rate.Inf, 0), 10).(*peerManager)
	return NewChoke(pm, st, sts, make(chan struct{})).(*choke), pm, sts
}

func TestChokeUnchokesFastestInterestedPeers(t *testing.T) {
	c, pm, sts := chokeHarness(t)

	now := time.Now().Unix()
	peers := []*fakePeer{}
	for i := 0; i < 6; i++ {
		f := &fakePeer{
			id:        fmt.Sprintf("peer-%d", i),
			state:     connState{amChoking: true, peerInterested: true},
			lastBlock: now,
		}
		peers = append(peers, f)
		pm.peers[f.id] = f
		// Descending download rates: peer-0 fastest.
		sts.UpdatePeer(f.id, 0, (6-i)*1000*stats.PONDERATION_TIME)
	}

	c.choke()

	unchoked := 0
	for _, f := range peers {
		if f.unchoked {
			unchoked++
		}
	}
	// The four fastest plus one optimistic unchoke.
	assert.Equal(t, DOWNLOADERS, unchoked)
	for _, f := range peers[:DOWNLOADERS-1] {
		assert.True(t, f.unchoked, f.id)
	}
}

func TestChokeDropsSlowUnchokedPeer(t *testing.T) {
	c, pm, sts := chokeHarness(t)

	now := time.Now().Unix()
	for i := 0; i < DOWNLOADERS; i++ {
		f := &fakePeer{
			id:        fmt.Sprintf("fast-%d", i),
			state:     connState{amChoking: true, peerInterested: true},
			lastBlock: now,
		}
		pm.peers[f.id] = f
		sts.UpdatePeer(f.id, 0, 1000*stats.PONDERATION_TIME)
	}
	slow := &fakePeer{
		id:        "slow",
		state:     connState{amChoking: false, peerInterested: false},
		lastBlock: now,
	}
	pm.peers[slow.id] = slow

	c.choke()

	assert.True(t, slow.choked)
}
