package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	PROTOCOL = "BitTorrent protocol"

	// An honest peer never sends a frame anywhere near this large: the
	// biggest legitimate message is a block (9 bytes header + 16 KiB).
	// Bitfields for very large torrents stay well under it too.
	MAX_MESSAGE_LENGTH = 1 << 18
)

// Wire frames and unframes peer-wire messages over a single connection. It
// performs no protocol-state validation; that belongs to the peer layer.
type Wire interface {
	// Reading
	ReadHandshake() (length uint8, protocol string, reserved []byte, infoHash []byte, peerID []byte, err error)
	ReadMessage() (length int32, id byte, payload []byte, err error)

	// Writing
	SendHandshake(infoHash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIndex int) error
	SendBitfield(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error
	SendPort(port uint16) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	Close() error
}

type wire struct {
	// The mutex serializes writers so frames from the message loop, the
	// choker and upload goroutines never interleave, and guards
	// lastMessageSent for the keep-alive reader.
	sync.Mutex
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

func NewWire(conn net.Conn, timeoutDuration time.Duration) Wire {
	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

// 1 + 19 + 8 + 20 + 20
type handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

func (w *wire) GetLastMessageSent() time.Time {
	w.Lock()
	defer w.Unlock()

	return w.lastMessageSent
}

func (w *wire) SendHandshake(infoHash []byte, peerID []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(PROTOCOL)))
	binary.Write(b, binary.BigEndian, []byte(PROTOCOL))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infoHash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.send(b.Bytes())
}

func (w *wire) ReadHandshake() (uint8, string, []byte, []byte, []byte, error) {
	h := &handshake{}
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, 68)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return 0, "", nil, nil, nil, err
	}
	if err := binary.Read(bytes.NewBuffer(data), binary.BigEndian, h); err != nil {
		return 0, "", nil, nil, nil, err
	}
	return h.Len, string(h.Protocol[:]), h.Reserved[:], h.InfoHash[:], h.PeerID[:], nil
}

func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return 0, 0, nil, err
	}
	if length == 0 {
		// keep-alive
		return 0, 0, nil, nil
	}
	if length < 0 || length > MAX_MESSAGE_LENGTH {
		return 0, 0, nil, fmt.Errorf("message length %d out of bounds", length)
	}
	var id uint8
	if err := binary.Read(w.conn, binary.BigEndian, &id); err != nil {
		return 0, 0, nil, err
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return 0, 0, nil, err
	}
	return length, id, payload, nil
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.send(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendShort(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendShort(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendShort(INTERESTED)
}

func (w *wire) SendNotInterested() error {
	return w.sendShort(NOT_INTERESTED)
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.send(b.Bytes())
}

func (w *wire) SendBitfield(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.send(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendBlockRef(REQUEST, pieceIndex, begin, length)
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendBlockRef(CANCEL, pieceIndex, begin, length)
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.send(b.Bytes())
}

func (w *wire) SendPort(port uint16) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(3))
	binary.Write(b, binary.BigEndian, uint8(PORT))
	binary.Write(b, binary.BigEndian, port)
	return w.send(b.Bytes())
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) sendShort(id uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, id)
	return w.send(b.Bytes())
}

func (w *wire) sendBlockRef(id uint8, pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, id)
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.send(b.Bytes())
}

func (w *wire) send(msg []byte) error {
	w.Lock()
	defer w.Unlock()

	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}
