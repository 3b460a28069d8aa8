// Package tracker talks to announce endpoints to keep the peer list fresh and
// to report swarm statistics. UDP trackers are preferred; HTTP is the
// fallback once UDP retries are exhausted.
package tracker

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kscz/flakes/stats"
)

// BEP 15 event codes, also used to pick the HTTP event string.
const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var (
	// Re-announce pacing. Vars so tests can shrink them.
	DEFAULT_INTERVAL = 120 * time.Second
	MIN_INTERVAL     = 10 * time.Second
	RETRY_INTERVAL   = 30 * time.Second
)

var ErrTrackerUnreachable = fmt.Errorf("tracker: all announce transports exhausted")

// AnnounceResponse is the parsed record a tracker yields, whatever the
// transport.
type AnnounceResponse struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []string // host:port
}

// PeerHandler receives the addresses a successful announce yields.
// peer.PeerManager satisfies it.
type PeerHandler interface {
	AddPeer(id string, conn net.Conn)
}

type Tracker interface {
	// Start runs the announce loop until the quit channel closes: started,
	// then periodic re-announces at the tracker-supplied interval, then a
	// final stopped announce.
	Start()
	// Announce performs one announce cycle across every configured tracker,
	// UDP before HTTP within each tier. Failing every transport returns
	// ErrTrackerUnreachable, which callers treat as transient.
	Announce(event int) (*AnnounceResponse, error)
	// Completed tells the loop to send the one-time completed event.
	Completed()
	// Unreachable reports whether the most recent announce cycle failed
	// across every transport. It clears on the next successful announce.
	Unreachable() bool
}

type tracker struct {
	sync.Mutex
	announceList [][]string
	infoHash     []byte
	peerID       []byte
	stats        stats.Stats
	peerMgr      PeerHandler
	quit         chan struct{}
	serverPort   int
	key          int32
	numwant      int32
	completedC   chan struct{}
	unreachable  bool
	log          *logrus.Entry
}

func NewTracker(
	announceList [][]string,
	infoHash []byte,
	peerID []byte,
	st stats.Stats,
	peerMgr PeerHandler,
	quit chan struct{},
	serverPort int) Tracker {

	return &tracker{
		announceList: announceList,
		infoHash:     infoHash,
		peerID:       peerID,
		stats:        st,
		peerMgr:      peerMgr,
		quit:         quit,
		serverPort:   serverPort,
		key:          rand.Int31(),
		numwant:      50,
		completedC:   make(chan struct{}, 1),
		log:          logrus.WithField("component", "tracker"),
	}
}

func (tr *tracker) Unreachable() bool {
	tr.Lock()
	defer tr.Unlock()

	return tr.unreachable
}

func (tr *tracker) setUnreachable(v bool) {
	tr.Lock()
	tr.unreachable = v
	tr.Unlock()
}

func (tr *tracker) Completed() {
	select {
	case tr.completedC <- struct{}{}:
	default:
	}
}

func (tr *tracker) Start() {
	interval := RETRY_INTERVAL
	if resp, err := tr.Announce(STARTED); err != nil {
		tr.log.WithError(err).Warn("started announce failed")
	} else {
		interval = announceInterval(resp)
	}

	for {
		select {
		case <-tr.quit:
			// Best effort; the swarm forgets us on timeout anyway.
			if _, err := tr.Announce(STOPPED); err != nil {
				tr.log.WithError(err).Debug("stopped announce failed")
			}
			tr.log.Info("tracker loop terminated")
			return
		case <-tr.completedC:
			if resp, err := tr.Announce(COMPLETED); err != nil {
				tr.log.WithError(err).Warn("completed announce failed")
			} else {
				interval = announceInterval(resp)
			}
		case <-time.After(interval):
			resp, err := tr.Announce(NONE)
			if err != nil {
				// Non-fatal: keep the current peer list and retry on the
				// normal schedule.
				tr.log.WithError(err).Warn("periodic announce failed")
				interval = RETRY_INTERVAL
				continue
			}
			interval = announceInterval(resp)
		}
	}
}

func announceInterval(resp *AnnounceResponse) time.Duration {
	interval := time.Duration(resp.Interval) * time.Second
	if interval < MIN_INTERVAL {
		return MIN_INTERVAL
	}
	return interval
}

func (tr *tracker) Announce(event int) (*AnnounceResponse, error) {
	var lastErr error
	for _, tier := range tr.announceList {
		for _, trackerURL := range orderTier(tier) {
			var resp *AnnounceResponse
			var err error
			switch {
			case strings.HasPrefix(trackerURL, "udp://"):
				resp, err = tr.queryUDPTracker(trackerURL, event)
			case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
				resp, err = tr.queryHTTPTracker(trackerURL, event)
			default:
				err = fmt.Errorf("unsupported tracker scheme in %q", trackerURL)
			}
			if err != nil {
				tr.log.WithError(err).WithField("url", trackerURL).Debug("announce attempt failed")
				lastErr = err
				continue
			}
			if event != STOPPED {
				for _, addr := range resp.Peers {
					tr.peerMgr.AddPeer(addr, nil)
				}
			}
			tr.log.WithFields(logrus.Fields{
				"url":      trackerURL,
				"peers":    len(resp.Peers),
				"interval": resp.Interval,
			}).Debug("announce succeeded")
			tr.setUnreachable(false)
			return resp, nil
		}
	}
	tr.setUnreachable(true)
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, lastErr)
	}
	return nil, ErrTrackerUnreachable
}

// orderTier puts UDP endpoints before HTTP ones, preserving relative order
// within each transport.
func orderTier(tier []string) []string {
	ordered := make([]string, 0, len(tier))
	for _, u := range tier {
		if strings.HasPrefix(u, "udp://") {
			ordered = append(ordered, u)
		}
	}
	for _, u := range tier {
		if !strings.HasPrefix(u, "udp://") {
			ordered = append(ordered, u)
		}
	}
	return ordered
}
