// Package piece tracks per-piece verification state for a download and owns
// every write into the backing storage arena. Blocks only enter the arena
// through WriteBlock so the state machine can never disagree with the bytes.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"github.com/kscz/flakes/storage"
	"github.com/kscz/flakes/torrent"
)

var (
	BLOCK_SIZE = 16384 // 2^14
)

var (
	ErrOutOfRange      = fmt.Errorf("piece: block out of range")
	ErrNotYetAvailable = fmt.Errorf("piece: range not yet available")
)

// State is the verification lifecycle of one piece. Missing and Partial are
// the only states in which the piece's arena range may be written.
type State int

const (
	Missing State = iota
	Partial
	Verifying
	Verified
	Corrupt
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Partial:
		return "partial"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Corrupt:
		return "corrupt"
	}
	return "unknown"
}

// Block identifies a sub-range of a piece, the unit of request/response.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// Event is what a WriteBlock call did to the owning piece, for the scheduler
// to act on.
type Event int

const (
	NoEvent Event = iota
	PieceVerified
	PieceCorrupt
)

type Store interface {
	// WriteBlock stores a received block. It is a no-op for pieces already
	// Verified. When the block completes its piece the SHA-1 digest is
	// checked synchronously: the returned event says whether the piece
	// verified or was found corrupt, and contributors is the set of peer
	// ids that supplied blocks for it.
	WriteBlock(peerID string, pieceIndex, begin int, data []byte) (event Event, contributors mapset.Set, err error)

	PieceState(pieceIndex int) State
	IsPieceComplete(pieceIndex int) bool
	MissingBlocks(pieceIndex int) []Block

	// ReadRange returns assembled bytes; every piece the range touches must
	// be Verified.
	ReadRange(offset, length int) ([]byte, error)
	// ReadBlock serves an upload request from a Verified piece.
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)

	// Bitfield returns the client's piece ownership in wire order (piece 0
	// is the high bit of byte 0).
	Bitfield() []byte
	NumPieces() int
	NumVerified() int
	BytesVerified() int
	Complete() bool
}

type pieceInfo struct {
	state        State
	received     []bool
	numReceived  int
	contributors mapset.Set
}

type store struct {
	sync.RWMutex
	tor     *torrent.Torrent
	storage storage.Storage
	pieces  []*pieceInfo
	log     *logrus.Entry
}

func NewStore(tor *torrent.Torrent, st storage.Storage) Store {
	pieces := make([]*pieceInfo, tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		pieces[i] = &pieceInfo{
			received:     make([]bool, numBlocks(tor.PieceLength(i))),
			contributors: mapset.NewSet(),
		}
	}
	return &store{
		tor:     tor,
		storage: st,
		pieces:  pieces,
		log:     logrus.WithField("component", "piece"),
	}
}

func numBlocks(pieceLength int) int {
	return (pieceLength + BLOCK_SIZE - 1) / BLOCK_SIZE
}

func (s *store) WriteBlock(peerID string, pieceIndex, begin int, data []byte) (Event, mapset.Set, error) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= s.tor.NumPieces {
		return NoEvent, nil, ErrOutOfRange
	}
	pieceLength := s.tor.PieceLength(pieceIndex)
	if begin < 0 || begin%BLOCK_SIZE != 0 || begin+len(data) > pieceLength {
		return NoEvent, nil, ErrOutOfRange
	}
	expected := pieceLength - begin
	if expected > BLOCK_SIZE {
		expected = BLOCK_SIZE
	}
	if len(data) != expected {
		return NoEvent, nil, ErrOutOfRange
	}

	pi := s.pieces[pieceIndex]
	if pi.state == Verified {
		// Endgame duplicates land here; the piece is done.
		return NoEvent, nil, nil
	}

	offset := pieceIndex*s.tor.MetaInfo.Info.PieceLength + begin
	if err := s.storage.WriteAt(offset, data); err != nil {
		return NoEvent, nil, err
	}
	blockIndex := begin / BLOCK_SIZE
	if !pi.received[blockIndex] {
		pi.received[blockIndex] = true
		pi.numReceived++
	}
	pi.contributors.Add(peerID)

	if pi.numReceived < len(pi.received) {
		pi.state = Partial
		return NoEvent, nil, nil
	}
	return s.verify(pieceIndex)
}

// verify is called with the lock held once every block of a piece is present.
func (s *store) verify(pieceIndex int) (Event, mapset.Set, error) {
	pi := s.pieces[pieceIndex]
	pi.state = Verifying

	pieceLength := s.tor.PieceLength(pieceIndex)
	offset := pieceIndex * s.tor.MetaInfo.Info.PieceLength
	data, err := s.storage.ReadAt(offset, pieceLength)
	if err != nil {
		return NoEvent, nil, err
	}

	contributors := pi.contributors
	pi.contributors = mapset.NewSet()

	actual := sha1.Sum(data)
	if !bytes.Equal(actual[:], s.tor.PieceHash(pieceIndex)) {
		// Discard the buffered bytes and re-arm the piece.
		pi.state = Missing
		pi.numReceived = 0
		for i := range pi.received {
			pi.received[i] = false
		}
		if err := s.storage.ZeroRange(offset, pieceLength); err != nil {
			return NoEvent, nil, err
		}
		s.log.WithField("piece", pieceIndex).Warn("piece failed verification")
		return PieceCorrupt, contributors, nil
	}

	pi.state = Verified
	pi.received = nil
	s.log.WithField("piece", pieceIndex).Debug("piece verified")
	return PieceVerified, contributors, nil
}

func (s *store) PieceState(pieceIndex int) State {
	s.RLock()
	defer s.RUnlock()

	return s.pieces[pieceIndex].state
}

func (s *store) IsPieceComplete(pieceIndex int) bool {
	s.RLock()
	defer s.RUnlock()

	return s.pieces[pieceIndex].state == Verified
}

func (s *store) MissingBlocks(pieceIndex int) []Block {
	s.RLock()
	defer s.RUnlock()

	pi := s.pieces[pieceIndex]
	if pi.state == Verified || pi.state == Verifying {
		return nil
	}
	blocks := []Block{}
	for i, received := range pi.received {
		if !received {
			blocks = append(blocks, s.block(pieceIndex, i))
		}
	}
	return blocks
}

func (s *store) block(pieceIndex, blockIndex int) Block {
	begin := blockIndex * BLOCK_SIZE
	length := s.tor.PieceLength(pieceIndex) - begin
	if length > BLOCK_SIZE {
		length = BLOCK_SIZE
	}
	return Block{Index: pieceIndex, Begin: begin, Length: length}
}

func (s *store) ReadRange(offset, length int) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	if offset < 0 || length < 0 || offset+length > s.tor.Length {
		return nil, ErrOutOfRange
	}
	if length == 0 {
		return []byte{}, nil
	}
	pieceLength := s.tor.MetaInfo.Info.PieceLength
	for p := offset / pieceLength; p <= (offset+length-1)/pieceLength; p++ {
		if s.pieces[p].state != Verified {
			return nil, ErrNotYetAvailable
		}
	}
	return s.storage.ReadAt(offset, length)
}

func (s *store) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	if pieceIndex < 0 || pieceIndex >= s.tor.NumPieces {
		return nil, ErrOutOfRange
	}
	return s.ReadRange(pieceIndex*s.tor.MetaInfo.Info.PieceLength+begin, length)
}

func (s *store) Bitfield() []byte {
	s.RLock()
	defer s.RUnlock()

	bitfield := make([]byte, (s.tor.NumPieces+7)/8)
	for i, pi := range s.pieces {
		if pi.state == Verified {
			bitfield[i/8] |= 1 << uint(7-i%8)
		}
	}
	return bitfield
}

func (s *store) NumPieces() int {
	return s.tor.NumPieces
}

func (s *store) NumVerified() int {
	s.RLock()
	defer s.RUnlock()

	verified := 0
	for _, pi := range s.pieces {
		if pi.state == Verified {
			verified++
		}
	}
	return verified
}

func (s *store) BytesVerified() int {
	s.RLock()
	defer s.RUnlock()

	verified := 0
	for i, pi := range s.pieces {
		if pi.state == Verified {
			verified += s.tor.PieceLength(i)
		}
	}
	return verified
}

func (s *store) Complete() bool {
	return s.NumVerified() == s.tor.NumPieces
}
