// swarmget downloads the payload of a .torrent file into memory and writes it
// out once every piece has verified.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/kscz/flakes/client"
	"github.com/kscz/flakes/torrent"
)

type args struct {
	Torrent     string  `arg:"positional,required" help:"path to the .torrent file"`
	Output      string  `arg:"-o,--output" help:"output path (defaults to the torrent's name)"`
	MaxPeers    int     `arg:"--max-peers" default:"50" help:"maximum concurrent peer connections"`
	Port        int     `arg:"-p,--port" default:"0" help:"listen port for inbound peers (0 = ephemeral)"`
	UploadLimit float64 `arg:"--upload-limit" default:"0" help:"upload cap in bytes/s (0 = unlimited)"`
	Verbose     bool    `arg:"-v,--verbose" help:"debug logging"`
}

func (args) Description() string {
	return "swarmget - single-torrent swarm downloader"
}

func main() {
	var a args
	arg.MustParse(&a)

	if a.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "swarmget")

	f, err := os.Open(a.Torrent)
	if err != nil {
		log.WithError(err).Fatal("cannot open torrent file")
	}
	tor, err := torrent.NewTorrent(f)
	f.Close()
	if err != nil {
		log.WithError(err).Fatal("cannot parse torrent file")
	}

	uploadLimit := rate.Inf
	if a.UploadLimit > 0 {
		uploadLimit = rate.Limit(a.UploadLimit)
	}
	cl := client.NewClient(tor, client.Config{
		MaxPeers:        a.MaxPeers,
		ListenPort:      a.Port,
		UploadRateLimit: uploadLimit,
	})
	if err := cl.Start(); err != nil {
		log.WithError(err).Fatal("cannot start client")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	stalled := cl.Stalled()
	for {
		select {
		case <-interrupt:
			log.Info("interrupted")
			cl.Stop()
			os.Exit(1)
		case <-progress.C:
			verified, total := cl.Progress()
			log.WithFields(logrus.Fields{
				"verified": verified,
				"total":    total,
			}).Info("downloading")
			continue
		case <-stalled:
			log.Warn("swarm stalled: no reachable trackers and no peers")
			stalled = nil
			continue
		case <-cl.Done():
		}
		break
	}

	output := a.Output
	if output == "" {
		output = filepath.Base(tor.MetaInfo.Info.Name)
	}
	if err := cl.Export(afero.NewOsFs(), output); err != nil {
		log.WithError(err).Fatal("cannot write output")
	}
	log.WithField("path", output).Info("payload written")
	cl.Stop()
}
