package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
const (
	udpProtocolID = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
)

var (
	UDP_RETRIES = 3
	UDP_TIMEOUT = 15 * time.Second
)

var dialUDP = func(address string) (net.Conn, error) {
	return net.Dial("udp", address)
}

func (tr *tracker) queryUDPTracker(trackerURL string, event int) (*AnnounceResponse, error) {
	udpAddress := strings.TrimPrefix(trackerURL, "udp://")
	udpAddress = strings.TrimSuffix(udpAddress, "/announce")
	conn, err := dialUDP(udpAddress)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connectionID, err := tr.connectUDP(conn)
	if err != nil {
		return nil, err
	}
	return tr.announceUDP(conn, event, connectionID)
}

// exchange sends a request packet and waits for a response whose transaction
// id matches, retrying with exponential timeouts as BEP 15 prescribes.
func (tr *tracker) exchange(conn net.Conn, request []byte, transactionID int32) (*bytes.Buffer, error) {
	var lastErr error
	for attempt := 0; attempt < UDP_RETRIES; attempt++ {
		if _, err := conn.Write(request); err != nil {
			return nil, err
		}
		conn.SetReadDeadline(time.Now().Add(UDP_TIMEOUT * (1 << uint(attempt))))

		data := make([]byte, 0x10000)
		n, err := conn.Read(data)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				lastErr = err
				continue
			}
			return nil, err
		}
		if n < 8 {
			lastErr = fmt.Errorf("short tracker response (%d bytes)", n)
			continue
		}
		resp := bytes.NewBuffer(data[:n])

		var action, tid int32
		binary.Read(resp, binary.BigEndian, &action)
		binary.Read(resp, binary.BigEndian, &tid)
		if tid != transactionID {
			lastErr = fmt.Errorf("transaction id mismatch")
			continue
		}
		if action == udpActionError {
			return nil, fmt.Errorf("tracker error: %s", resp.String())
		}
		return resp, nil
	}
	return nil, lastErr
}

func (tr *tracker) connectUDP(conn net.Conn) (int64, error) {
	transactionID := rand.Int31()
	request := &bytes.Buffer{}
	binary.Write(request, binary.BigEndian, int64(udpProtocolID))
	binary.Write(request, binary.BigEndian, int32(udpActionConnect))
	binary.Write(request, binary.BigEndian, transactionID)

	resp, err := tr.exchange(conn, request.Bytes(), transactionID)
	if err != nil {
		return 0, err
	}
	var connectionID int64
	if err := binary.Read(resp, binary.BigEndian, &connectionID); err != nil {
		return 0, fmt.Errorf("malformed connect response: %w", err)
	}
	return connectionID, nil
}

func (tr *tracker) announceUDP(conn net.Conn, event int, connectionID int64) (*AnnounceResponse, error) {
	transactionID := rand.Int31()
	uploaded, downloaded, left := tr.stats.GetTrackerStats()

	request := &bytes.Buffer{}
	binary.Write(request, binary.BigEndian, connectionID)
	binary.Write(request, binary.BigEndian, int32(udpActionAnnounce))
	binary.Write(request, binary.BigEndian, transactionID)
	binary.Write(request, binary.BigEndian, tr.infoHash)
	binary.Write(request, binary.BigEndian, tr.peerID)
	binary.Write(request, binary.BigEndian, int64(downloaded))
	binary.Write(request, binary.BigEndian, int64(left))
	binary.Write(request, binary.BigEndian, int64(uploaded))
	binary.Write(request, binary.BigEndian, int32(event))
	binary.Write(request, binary.BigEndian, int32(0)) // IP: default, sender address
	binary.Write(request, binary.BigEndian, tr.key)
	binary.Write(request, binary.BigEndian, tr.numwant)
	binary.Write(request, binary.BigEndian, uint16(tr.serverPort))

	resp, err := tr.exchange(conn, request.Bytes(), transactionID)
	if err != nil {
		return nil, err
	}

	out := &AnnounceResponse{}
	if err := binary.Read(resp, binary.BigEndian, &out.Interval); err != nil {
		return nil, fmt.Errorf("malformed announce response: %w", err)
	}
	binary.Read(resp, binary.BigEndian, &out.Leechers)
	binary.Read(resp, binary.BigEndian, &out.Seeders)

	// Remaining bytes are compact peer addresses, 6 bytes each.
	peerAddrs := resp.Bytes()
	for i := 0; i+6 <= len(peerAddrs); i += 6 {
		ip := net.IPv4(peerAddrs[i+0], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3])
		port := binary.BigEndian.Uint16(peerAddrs[i+4 : i+6])
		out.Peers = append(out.Peers, fmt.Sprintf("%s:%d", ip, port))
	}
	return out, nil
}
