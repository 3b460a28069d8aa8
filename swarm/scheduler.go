// Package swarm decides which block to request from which peer. It keeps the
// swarm-wide view: per-peer bitfields, per-piece availability counts and the
// in-flight request table. All methods serialize on one mutex so scheduling
// decisions always see a consistent availability ranking.
package swarm

import (
	"sort"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"

	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/torrent"
)

type Scheduler interface {
	// Availability updates from connection receive paths.
	PeerBitfield(id string, bf bitmap.Bitmap)
	PeerHave(id string, pieceIndex int)
	PeerChoked(id string)
	// PeerStopped drops the peer's bitfield and releases its in-flight
	// requests, returning how many blocks went back to the pool.
	PeerStopped(id string) (released int)

	// PickBlocks selects up to max blocks for the peer, rarest piece first,
	// and marks them requested with a deadline. Outside endgame a block is
	// assigned to at most one peer.
	PickBlocks(id string, max int, now time.Time) []piece.Block
	// BlockReceived retires the in-flight entry. requested reports whether
	// this peer had a live request for the block; duplicates lists the other
	// peers that still do (endgame), so cancels can be sent.
	BlockReceived(id string, b piece.Block) (requested bool, duplicates []string)

	PieceVerified(pieceIndex int)
	PieceCorrupt(pieceIndex int)

	// ReapExpired releases requests whose deadline has passed and returns
	// how many were released per offending peer.
	ReapExpired(now time.Time) map[string]int

	Pending(id string) int
	Availability(pieceIndex int) int
	InEndgame() bool
}

type scheduler struct {
	sync.Mutex
	tor            *torrent.Torrent
	store          piece.Store
	requestTimeout time.Duration
	availability   []int
	peerBitfields  map[string]bitmap.Bitmap
	inflight       map[piece.Block]map[string]time.Time
	log            *logrus.Entry
}

func NewScheduler(tor *torrent.Torrent, store piece.Store, requestTimeout time.Duration) Scheduler {
	return &scheduler{
		tor:            tor,
		store:          store,
		requestTimeout: requestTimeout,
		availability:   make([]int, tor.NumPieces),
		peerBitfields:  make(map[string]bitmap.Bitmap),
		inflight:       make(map[piece.Block]map[string]time.Time),
		log:            logrus.WithField("component", "swarm"),
	}
}

func (s *scheduler) PeerBitfield(id string, bf bitmap.Bitmap) {
	s.Lock()
	defer s.Unlock()

	s.dropBitfield(id)
	s.peerBitfields[id] = bf
	for i := 0; i < s.tor.NumPieces; i++ {
		if bf.Get(i) {
			s.availability[i]++
		}
	}
}

func (s *scheduler) PeerHave(id string, pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	bf, ok := s.peerBitfields[id]
	if !ok {
		bf = bitmap.New(s.tor.NumPieces)
		s.peerBitfields[id] = bf
	}
	if !bf.Get(pieceIndex) {
		bf.Set(pieceIndex, true)
		s.availability[pieceIndex]++
	}
}

func (s *scheduler) PeerChoked(id string) {
	s.Lock()
	defer s.Unlock()

	s.releaseRequests(id)
}

func (s *scheduler) PeerStopped(id string) int {
	s.Lock()
	defer s.Unlock()

	s.dropBitfield(id)
	return s.releaseRequests(id)
}

// dropBitfield removes the peer's availability contribution. Lock held.
func (s *scheduler) dropBitfield(id string) {
	bf, ok := s.peerBitfields[id]
	if !ok {
		return
	}
	for i := 0; i < s.tor.NumPieces; i++ {
		if bf.Get(i) {
			s.availability[i]--
		}
	}
	delete(s.peerBitfields, id)
}

// releaseRequests returns all of the peer's in-flight blocks to the
// unrequested pool. Lock held.
func (s *scheduler) releaseRequests(id string) int {
	released := 0
	for b, requesters := range s.inflight {
		if _, ok := requesters[id]; ok {
			delete(requesters, id)
			released++
			if len(requesters) == 0 {
				delete(s.inflight, b)
			}
		}
	}
	return released
}

func (s *scheduler) PickBlocks(id string, max int, now time.Time) []piece.Block {
	s.Lock()
	defer s.Unlock()

	bf, ok := s.peerBitfields[id]
	if !ok || max <= 0 {
		return nil
	}
	deadline := now.Add(s.requestTimeout)

	type candidate struct {
		index        int
		availability int
		partial      bool
	}
	candidates := []candidate{}
	for i := 0; i < s.tor.NumPieces; i++ {
		if !bf.Get(i) {
			continue
		}
		state := s.store.PieceState(i)
		if state == piece.Verified || state == piece.Verifying {
			continue
		}
		candidates = append(candidates, candidate{
			index:        i,
			availability: s.availability[i],
			partial:      state == piece.Partial,
		})
	}
	// Rarest first; equally rare pieces already underway come first so we
	// finish open pieces before starting new ones; remaining ties by index
	// for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.availability != b.availability {
			return a.availability < b.availability
		}
		if a.partial != b.partial {
			return a.partial
		}
		return a.index < b.index
	})

	picked := []piece.Block{}
	for _, c := range candidates {
		for _, b := range s.store.MissingBlocks(c.index) {
			if len(s.inflight[b]) > 0 {
				continue
			}
			s.addRequest(id, b, deadline)
			picked = append(picked, b)
			if len(picked) == max {
				return picked
			}
		}
	}

	// Endgame: every remaining block is in flight somewhere. Duplicate
	// outstanding requests so one slow peer can't stall the finish.
	if s.endgame() {
		for _, b := range s.sortedInflight() {
			if !bf.Get(b.Index) {
				continue
			}
			if _, alreadyOurs := s.inflight[b][id]; alreadyOurs {
				continue
			}
			s.addRequest(id, b, deadline)
			picked = append(picked, b)
			if len(picked) == max {
				break
			}
		}
	}
	return picked
}

// sortedInflight returns the in-flight blocks in (index, begin) order so
// endgame duplication is deterministic.
func (s *scheduler) sortedInflight() []piece.Block {
	blocks := make([]piece.Block, 0, len(s.inflight))
	for b := range s.inflight {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Index != blocks[j].Index {
			return blocks[i].Index < blocks[j].Index
		}
		return blocks[i].Begin < blocks[j].Begin
	})
	return blocks
}

// addRequest marks a block in flight for the peer. Lock held.
func (s *scheduler) addRequest(id string, b piece.Block, deadline time.Time) {
	requesters, ok := s.inflight[b]
	if !ok {
		requesters = make(map[string]time.Time)
		s.inflight[b] = requesters
	}
	requesters[id] = deadline
}

// endgame reports whether no unrequested missing block remains. Lock held.
func (s *scheduler) endgame() bool {
	sawMissing := false
	for i := 0; i < s.tor.NumPieces; i++ {
		state := s.store.PieceState(i)
		if state == piece.Verified || state == piece.Verifying {
			continue
		}
		for _, b := range s.store.MissingBlocks(i) {
			sawMissing = true
			if len(s.inflight[b]) == 0 {
				return false
			}
		}
	}
	return sawMissing
}

func (s *scheduler) BlockReceived(id string, b piece.Block) (bool, []string) {
	s.Lock()
	defer s.Unlock()

	requesters, ok := s.inflight[b]
	if !ok {
		return false, nil
	}
	_, requested := requesters[id]
	duplicates := []string{}
	for peerID := range requesters {
		if peerID != id {
			duplicates = append(duplicates, peerID)
		}
	}
	sort.Strings(duplicates)
	delete(s.inflight, b)
	return requested, duplicates
}

func (s *scheduler) PieceVerified(pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	for b := range s.inflight {
		if b.Index == pieceIndex {
			delete(s.inflight, b)
		}
	}
}

func (s *scheduler) PieceCorrupt(pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	// The store already discarded the bytes; dropping the bookkeeping here
	// returns every block of the piece to the unrequested pool.
	for b := range s.inflight {
		if b.Index == pieceIndex {
			delete(s.inflight, b)
		}
	}
}

func (s *scheduler) ReapExpired(now time.Time) map[string]int {
	s.Lock()
	defer s.Unlock()

	expired := map[string]int{}
	for b, requesters := range s.inflight {
		for id, deadline := range requesters {
			if now.After(deadline) {
				delete(requesters, id)
				expired[id]++
			}
		}
		if len(requesters) == 0 {
			delete(s.inflight, b)
		}
	}
	if len(expired) > 0 {
		s.log.WithField("peers", len(expired)).Debug("released timed out requests")
	}
	return expired
}

func (s *scheduler) Pending(id string) int {
	s.Lock()
	defer s.Unlock()

	pending := 0
	for _, requesters := range s.inflight {
		if _, ok := requesters[id]; ok {
			pending++
		}
	}
	return pending
}

func (s *scheduler) Availability(pieceIndex int) int {
	s.Lock()
	defer s.Unlock()

	return s.availability[pieceIndex]
}

func (s *scheduler) InEndgame() bool {
	s.Lock()
	defer s.Unlock()

	return s.endgame()
}
