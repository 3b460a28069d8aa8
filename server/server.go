// Package server accepts inbound peer connections and hands them to the peer
// manager. The listen port is what tracker announces advertise.
package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/kscz/flakes/peer"
)

var listen = net.Listen

type Server interface {
	Serve()
	GetServerPort() int
	Close() error
}

type server struct {
	port     int
	listener net.Listener
	quit     chan struct{}
	peerMgr  peer.PeerManager
	log      *logrus.Entry
}

// NewServer binds the listener immediately so the port is known before the
// first announce. Port 0 picks an ephemeral port.
func NewServer(peerMgr peer.PeerManager, port int, quit chan struct{}) (Server, error) {
	listener, err := listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	sv := &server{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		quit:     quit,
		peerMgr:  peerMgr,
		log:      logrus.WithField("component", "server"),
	}
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()
	sv.log.WithField("port", sv.port).Info("accepting peer connections")
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			select {
			case <-sv.quit:
			default:
				sv.log.WithField("err", err).Warn("peer listener closed")
			}
			return
		}
		sv.peerMgr.AddPeer(conn.RemoteAddr().String(), conn)
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}

func (sv *server) Close() error {
	return sv.listener.Close()
}
