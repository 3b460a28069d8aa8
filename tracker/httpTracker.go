package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) (*AnnounceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("tracker URL %q not absolute", trackerURL)
	}

	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q := u.Query()
	q.Set("info_hash", string(tr.infoHash))
	q.Set("peer_id", string(tr.peerID))
	q.Set("port", strconv.Itoa(tr.serverPort))
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("key", strconv.Itoa(int(tr.key)))
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("compact", "1")
	switch event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	u.RawQuery = q.Encode()

	resp, err := httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker responded %s", resp.Status)
	}

	decoded, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("malformed tracker response: %w", err)
	}
	body, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response not a dictionary")
	}
	if reason, ok := body["failure reason"].(string); ok && reason != "" {
		return nil, fmt.Errorf("tracker gave failure reason: %q", reason)
	}

	out := &AnnounceResponse{}
	if interval, ok := body["interval"].(int64); ok {
		out.Interval = int32(interval)
	}
	if leechers, ok := body["incomplete"].(int64); ok {
		out.Leechers = int32(leechers)
	}
	if seeders, ok := body["complete"].(int64); ok {
		out.Seeders = int32(seeders)
	}

	// Peers come back either compact (a packed string) or as a list of
	// dictionaries.
	switch peers := body["peers"].(type) {
	case string:
		raw := []byte(peers)
		for i := 0; i+6 <= len(raw); i += 6 {
			ip := net.IPv4(raw[i+0], raw[i+1], raw[i+2], raw[i+3])
			port := binary.BigEndian.Uint16(raw[i+4 : i+6])
			out.Peers = append(out.Peers, fmt.Sprintf("%s:%d", ip, port))
		}
	case []interface{}:
		for _, entry := range peers {
			d, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := d["ip"].(string)
			port, _ := d["port"].(int64)
			if ip == "" || port == 0 {
				continue
			}
			out.Peers = append(out.Peers, net.JoinHostPort(ip, strconv.Itoa(int(port))))
		}
	}
	return out, nil
}
