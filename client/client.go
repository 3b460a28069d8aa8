// Package client wires the whole engine together and drives a download from
// first announce to verified completion.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kscz/flakes/peer"
	"github.com/kscz/flakes/piece"
	"github.com/kscz/flakes/server"
	"github.com/kscz/flakes/stats"
	"github.com/kscz/flakes/storage"
	"github.com/kscz/flakes/swarm"
	"github.com/kscz/flakes/torrent"
	"github.com/kscz/flakes/tracker"
)

type Config struct {
	MaxPeers        int
	ListenPort      int // 0 picks an ephemeral port
	RequestTimeout  time.Duration
	TickInterval    time.Duration
	UploadRateLimit rate.Limit // bytes/s, rate.Inf for no cap
}

func (c Config) withDefaults() Config {
	if c.MaxPeers <= 0 {
		c.MaxPeers = peer.MAX_PEERS
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.UploadRateLimit <= 0 {
		c.UploadRateLimit = rate.Inf
	}
	return c
}

type Client interface {
	Start() error
	// Stop announces stopped, tears down every peer session and waits for
	// the engine goroutines to drain.
	Stop()
	// Done closes once every piece has verified. The client keeps seeding
	// until Stop.
	Done() <-chan struct{}
	// Stalled closes when an announce cycle has exhausted every tracker
	// transport while no peers remain connected: the download cannot make
	// progress until something outside the engine changes. Advisory; the
	// loops keep retrying on their normal schedule.
	Stalled() <-chan struct{}
	Progress() (verified, total int)
	ReadRange(offset, length int) ([]byte, error)
	// Export writes the assembled payload to fs; the download must be
	// complete.
	Export(fs afero.Fs, path string) error
}

type client struct {
	cfg         Config
	tor         *torrent.Torrent
	storage     storage.Storage
	store       piece.Store
	scheduler   swarm.Scheduler
	stats       stats.Stats
	peerMgr     peer.PeerManager
	tracker     tracker.Tracker
	server      server.Server
	group       errgroup.Group
	quit        chan struct{}
	done        chan struct{}
	stalled     chan struct{}
	stalledOnce sync.Once
	stopOnce    sync.Once
	log         *logrus.Entry
}

func NewClient(tor *torrent.Torrent, cfg Config) Client {
	return &client{
		cfg:     cfg.withDefaults(),
		tor:     tor,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		stalled: make(chan struct{}),
		log:     logrus.WithField("component", "client"),
	}
}

func (c *client) Start() error {
	c.storage = storage.NewMemoryStorage(c.tor.Length)
	c.store = piece.NewStore(c.tor, c.storage)
	c.scheduler = swarm.NewScheduler(c.tor, c.store, c.cfg.RequestTimeout)
	c.stats = stats.NewStats(0, 0, c.tor.Length)

	burst := 2 * piece.BLOCK_SIZE
	uploadLimiter := rate.NewLimiter(c.cfg.UploadRateLimit, burst)
	c.peerMgr = peer.NewPeerManager(c.tor, c.store, c.scheduler, c.stats, uploadLimiter, c.cfg.MaxPeers)

	sv, err := server.NewServer(c.peerMgr, c.cfg.ListenPort, c.quit)
	if err != nil {
		return err
	}
	c.server = sv

	announceList := c.tor.MetaInfo.AnnounceList
	if len(announceList) == 0 {
		announceList = [][]string{{c.tor.MetaInfo.Announce}}
	}
	c.tracker = tracker.NewTracker(
		announceList, c.tor.InfoHash, torrent.PEER_ID,
		c.stats, c.peerMgr, c.quit, sv.GetServerPort())

	choker := peer.NewChoke(c.peerMgr, c.store, c.stats, c.quit)

	c.group.Go(func() error {
		c.server.Serve()
		return nil
	})
	c.group.Go(func() error {
		c.tracker.Start()
		return nil
	})
	c.group.Go(func() error {
		choker.Start()
		return nil
	})
	c.group.Go(c.tick)

	c.log.WithFields(logrus.Fields{
		"name":   c.tor.MetaInfo.Info.Name,
		"pieces": c.tor.NumPieces,
		"length": c.tor.Length,
	}).Info("download started")
	return nil
}

// tick is the orchestrator heartbeat: it reaps timed out requests, shrinks
// the offenders' pipelines and watches for completion.
func (c *client) tick() error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	completed := false
	for {
		select {
		case <-c.quit:
			return nil
		case <-ticker.C:
			now := time.Now()
			if expired := c.scheduler.ReapExpired(now); len(expired) > 0 {
				c.peerMgr.RequestsTimedOut(expired)
			}
			if !completed && c.store.Complete() {
				completed = true
				c.stats.SetLeft(0)
				c.tracker.Completed()
				close(c.done)
				c.log.Info("download complete")
			}
			if !completed && c.tracker.Unreachable() && c.peerMgr.NumPeers() == 0 {
				c.stalledOnce.Do(func() {
					close(c.stalled)
					c.log.Warn("swarm stalled: trackers unreachable and no peers connected")
				})
			}
		}
	}
}

func (c *client) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.peerMgr.StopPeers()
		c.group.Wait()
		c.log.Info("client stopped")
	})
}

func (c *client) Done() <-chan struct{} {
	return c.done
}

func (c *client) Stalled() <-chan struct{} {
	return c.stalled
}

func (c *client) Progress() (int, int) {
	return c.store.BytesVerified(), c.tor.Length
}

func (c *client) ReadRange(offset, length int) ([]byte, error) {
	return c.store.ReadRange(offset, length)
}

func (c *client) Export(fs afero.Fs, path string) error {
	if !c.store.Complete() {
		return fmt.Errorf("client: export: %w", piece.ErrNotYetAvailable)
	}
	return c.storage.Export(fs, path)
}
