package swarm

import (
	"crypto/sha1"
	"math/rand"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/storage"
	"github.com/kscz/flakes/torrent"
)

func testStore(t *testing.T, pieceLength int, pieceContents [][]byte) (*torrent.Torrent, piece.Store) {
	t.Helper()
	hashes := []byte{}
	total := 0
	for _, content := range pieceContents {
		h := sha1.Sum(content)
		hashes = append(hashes, h[:]...)
		total += len(content)
	}
	tor := &torrent.Torrent{
		Length:    total,
		NumPieces: len(pieceContents),
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: pieceLength,
				Pieces:      string(hashes),
			},
		},
	}
	return tor, piece.NewStore(tor, storage.NewMemoryStorage(total))
}

func pieceContent(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func fullBitfield(n int) bitmap.Bitmap {
	bf := bitmap.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i, true)
	}
	return bf
}

func oneBitfield(n int, indexes ...int) bitmap.Bitmap {
	bf := bitmap.New(n)
	for _, i := range indexes {
		bf.Set(i, true)
	}
	return bf
}

func threePieceScheduler(t *testing.T) (*torrent.Torrent, piece.Store, Scheduler, [][]byte) {
	contents := [][]byte{
		pieceContent(2*piece.BLOCK_SIZE, 1),
		pieceContent(2*piece.BLOCK_SIZE, 2),
		pieceContent(piece.BLOCK_SIZE, 3),
	}
	tor, store := testStore(t, 2*piece.BLOCK_SIZE, contents)
	return tor, store, NewScheduler(tor, store, time.Minute), contents
}

func TestRarestFirstSelection(t *testing.T) {
	tor, _, sched, _ := threePieceScheduler(t)
	now := time.Now()

	// peer-a has everything, peer-b and peer-c only piece 0 — so pieces 1
	// and 2 are rarer than piece 0 and piece 1 wins the index tie-break.
	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	sched.PeerBitfield("peer-b", oneBitfield(tor.NumPieces, 0))
	sched.PeerBitfield("peer-c", oneBitfield(tor.NumPieces, 0))

	assert.Equal(t, 3, sched.Availability(0))
	assert.Equal(t, 1, sched.Availability(1))

	blocks := sched.PickBlocks("peer-a", 2, now)
	require.Len(t, blocks, 2)
	assert.Equal(t, piece.Block{Index: 1, Begin: 0, Length: piece.BLOCK_SIZE}, blocks[0])
	assert.Equal(t, piece.Block{Index: 1, Begin: piece.BLOCK_SIZE, Length: piece.BLOCK_SIZE}, blocks[1])
}

func TestSelectionIsDeterministic(t *testing.T) {
	tor, _, sched, _ := threePieceScheduler(t)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	sched.PeerBitfield("peer-b", oneBitfield(tor.NumPieces, 0, 2))

	first := sched.PickBlocks("peer-a", 3, now)
	require.NotEmpty(t, first)

	// Releasing the requests restores the exact prior state, so the same
	// call must yield the same blocks.
	sched.PeerChoked("peer-a")
	second := sched.PickBlocks("peer-a", 3, now)
	assert.Equal(t, first, second)
}

func TestPartialPiecePreferred(t *testing.T) {
	tor, store, sched, contents := threePieceScheduler(t)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))

	// Pieces 0 and 1 are equally available; making piece 1 Partial must pull
	// it ahead even though piece 0 wins the index tie otherwise.
	_, _, err := store.WriteBlock("peer-a", 1, 0, contents[1][:piece.BLOCK_SIZE])
	require.NoError(t, err)

	blocks := sched.PickBlocks("peer-a", 1, now)
	require.Len(t, blocks, 1)
	assert.Equal(t, 1, blocks[0].Index)
	assert.Equal(t, piece.BLOCK_SIZE, blocks[0].Begin)
}

func TestBlockAssignedToOnePeer(t *testing.T) {
	tor, _, sched, _ := threePieceScheduler(t)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	sched.PeerBitfield("peer-b", fullBitfield(tor.NumPieces))

	forA := sched.PickBlocks("peer-a", 2, now)
	forB := sched.PickBlocks("peer-b", 2, now)
	require.Len(t, forA, 2)
	require.Len(t, forB, 2)
	for _, a := range forA {
		for _, b := range forB {
			assert.NotEqual(t, a, b)
		}
	}
	assert.Equal(t, 2, sched.Pending("peer-a"))
	assert.Equal(t, 2, sched.Pending("peer-b"))
}

func TestEndgameDuplication(t *testing.T) {
	contents := [][]byte{pieceContent(piece.BLOCK_SIZE, 9)}
	tor, store := testStore(t, piece.BLOCK_SIZE, contents)
	sched := NewScheduler(tor, store, time.Minute)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	sched.PeerBitfield("peer-b", fullBitfield(tor.NumPieces))

	last := piece.Block{Index: 0, Begin: 0, Length: piece.BLOCK_SIZE}
	require.Equal(t, []piece.Block{last}, sched.PickBlocks("peer-a", 5, now))
	assert.True(t, sched.InEndgame())

	// Everything is in flight, so peer-b gets a duplicate of the same block.
	require.Equal(t, []piece.Block{last}, sched.PickBlocks("peer-b", 5, now))
	// Never twice to the same peer though.
	assert.Empty(t, sched.PickBlocks("peer-b", 5, now))

	// First receipt wins; the other requester gets a cancel.
	requested, duplicates := sched.BlockReceived("peer-b", last)
	assert.True(t, requested)
	assert.Equal(t, []string{"peer-a"}, duplicates)

	// The retired block is not re-requested.
	requested, duplicates = sched.BlockReceived("peer-a", last)
	assert.False(t, requested)
	assert.Empty(t, duplicates)
}

func TestPeerStoppedReleasesRequests(t *testing.T) {
	tor, _, sched, _ := threePieceScheduler(t)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	sched.PeerBitfield("peer-b", oneBitfield(tor.NumPieces, 1))

	picked := sched.PickBlocks("peer-a", 3, now)
	require.Len(t, picked, 3)

	released := sched.PeerStopped("peer-a")
	assert.Equal(t, 3, released)
	assert.Equal(t, 0, sched.Pending("peer-a"))
	assert.Equal(t, 0, sched.Availability(0))

	// The released blocks are immediately schedulable for the other peer.
	forB := sched.PickBlocks("peer-b", 3, now)
	assert.Len(t, forB, 2)
	for _, b := range forB {
		assert.Equal(t, 1, b.Index)
	}
}

func TestReapExpired(t *testing.T) {
	tor, _, sched, _ := threePieceScheduler(t)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	picked := sched.PickBlocks("peer-a", 2, now)
	require.Len(t, picked, 2)

	// Nothing expires before the deadline.
	assert.Empty(t, sched.ReapExpired(now.Add(30*time.Second)))

	expired := sched.ReapExpired(now.Add(2 * time.Minute))
	assert.Equal(t, map[string]int{"peer-a": 2}, expired)
	assert.Equal(t, 0, sched.Pending("peer-a"))

	// The blocks are unrequested again.
	again := sched.PickBlocks("peer-a", 2, now)
	assert.Equal(t, picked, again)
}

func TestPieceCorruptReArmsBlocks(t *testing.T) {
	contents := [][]byte{pieceContent(2*piece.BLOCK_SIZE, 5)}
	tor, store := testStore(t, 2*piece.BLOCK_SIZE, contents)
	sched := NewScheduler(tor, store, time.Minute)
	now := time.Now()

	sched.PeerBitfield("peer-a", fullBitfield(tor.NumPieces))
	picked := sched.PickBlocks("peer-a", 2, now)
	require.Len(t, picked, 2)

	// Feed the store garbage so the piece fails verification.
	for _, b := range picked {
		sched.BlockReceived("peer-a", b)
		_, _, err := store.WriteBlock("peer-a", b.Index, b.Begin, pieceContent(b.Length, 1234+int64(b.Begin)))
		require.NoError(t, err)
	}
	require.Equal(t, piece.Missing, store.PieceState(0))
	sched.PieceCorrupt(0)

	again := sched.PickBlocks("peer-a", 2, now)
	assert.Equal(t, picked, again)
}
