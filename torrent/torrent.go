package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// Torrent is the decoded, validated form of a .torrent document. It is
// immutable once built and shared by every component for the lifetime of a
// download.
type Torrent struct {
	Length    int
	MetaInfo  MetaInfo
	InfoHash  []byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type Info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int
	Md5sum      string
	Files       []File
}

type File struct {
	Length int
	Md5sum string
	Path   []string
}

// NewTorrent decodes a .torrent document, computes the info-hash and checks
// that the piece hashes cover the advertised content length.
func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	torrent := &Torrent{}

	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, err
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed torrent file")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: no info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(infoBencode.Bytes())
	torrent.InfoHash = infoHash[:]

	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	err = bencode.Unmarshal(torrentReader, &torrent.MetaInfo)
	if err != nil {
		return nil, err
	}
	if len(torrent.MetaInfo.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("malformed torrent file: pieces not a multiple of 20 bytes")
	}
	torrent.NumPieces = len(torrent.MetaInfo.Info.Pieces) / 20

	if torrent.MetaInfo.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("malformed torrent file: non-positive piece length")
	}

	// Total size of all files
	if len(torrent.MetaInfo.Info.Files) > 0 {
		if torrent.MetaInfo.Info.Length > 0 {
			return nil, fmt.Errorf("malformed torrent file: both length and files present")
		}
		for i := 0; i < len(torrent.MetaInfo.Info.Files); i++ {
			torrent.Length += torrent.MetaInfo.Info.Files[i].Length
		}
	} else {
		torrent.Length += torrent.MetaInfo.Info.Length
	}
	if torrent.Length <= 0 {
		return nil, fmt.Errorf("malformed torrent file: no content length")
	}

	// The hash count has to match the content length: n pieces cover the
	// total iff (n-1)*pieceLength < total <= n*pieceLength.
	pieceLength := torrent.MetaInfo.Info.PieceLength
	if torrent.NumPieces*pieceLength < torrent.Length {
		return nil, fmt.Errorf("malformed torrent file: not enough piece hashes for content length")
	}
	if (torrent.NumPieces-1)*pieceLength >= torrent.Length {
		return nil, fmt.Errorf("malformed torrent file: too many piece hashes for content length")
	}

	return torrent, nil
}

// PieceHash returns the 20-byte expected digest for a piece.
func (t *Torrent) PieceHash(pieceIndex int) []byte {
	return []byte(t.MetaInfo.Info.Pieces[20*pieceIndex : 20*(pieceIndex+1)])
}

// PieceLength returns the byte length of a piece, shorter for the final one.
func (t *Torrent) PieceLength(pieceIndex int) int {
	if pieceIndex == t.NumPieces-1 {
		return t.Length - (t.NumPieces-1)*t.MetaInfo.Info.PieceLength
	}
	return t.MetaInfo.Info.PieceLength
}
