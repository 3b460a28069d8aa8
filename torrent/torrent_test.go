package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bencodeTorrent(pieceLength, length, numHashes int) []byte {
	hashes := make([]byte, 20*numHashes)
	for i := range hashes {
		hashes[i] = byte(i)
	}
	info := fmt.Sprintf(
		"d6:lengthi%de4:name8:test.bin12:piece lengthi%de6:pieces%d:%se",
		length, pieceLength, len(hashes), hashes)
	return []byte(fmt.Sprintf("d8:announce31:http://tracker.example/announce4:info%se", info))
}

func TestNewTorrent(t *testing.T) {
	raw := bencodeTorrent(16384, 40960, 3)
	tor, err := NewTorrent(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, 40960, tor.Length)
	assert.Equal(t, 3, tor.NumPieces)
	assert.Equal(t, 16384, tor.MetaInfo.Info.PieceLength)
	assert.Equal(t, "test.bin", tor.MetaInfo.Info.Name)
	assert.Len(t, tor.InfoHash, 20)

	assert.Equal(t, 16384, tor.PieceLength(0))
	assert.Equal(t, 16384, tor.PieceLength(1))
	assert.Equal(t, 8192, tor.PieceLength(2))
	assert.Len(t, tor.PieceHash(2), 20)
}

func TestNewTorrentInfoHash(t *testing.T) {
	raw := bencodeTorrent(16384, 16384, 1)
	tor, err := NewTorrent(bytes.NewReader(raw))
	require.NoError(t, err)

	// The info-hash is the SHA-1 of the bencoded info dictionary.
	start := bytes.Index(raw, []byte("4:info")) + len("4:info")
	infoDict := raw[start : len(raw)-1]
	expected := sha1.Sum(infoDict)
	assert.Equal(t, expected[:], tor.InfoHash)
}

func TestNewTorrentHashCountMismatch(t *testing.T) {
	// Two pieces of 16 KiB only cover 32 KiB; 40960 bytes needs three hashes.
	_, err := NewTorrent(bytes.NewReader(bencodeTorrent(16384, 40960, 2)))
	assert.Error(t, err)

	// Four hashes is one too many.
	_, err = NewTorrent(bytes.NewReader(bencodeTorrent(16384, 40960, 4)))
	assert.Error(t, err)
}

func TestNewTorrentMalformed(t *testing.T) {
	_, err := NewTorrent(bytes.NewReader([]byte("le")))
	assert.Error(t, err)

	_, err = NewTorrent(bytes.NewReader([]byte("d8:announce3:abce")))
	assert.Error(t, err)
}
