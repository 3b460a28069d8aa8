package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kscz/flakes/peer"
)

type mockPeerManager struct {
	peer.PeerManager
	mock.Mock
}

func (pm *mockPeerManager) AddPeer(id string, conn net.Conn) {
	pm.Called(id, conn)
}

func TestServerHandsAcceptedConnsToManager(t *testing.T) {
	pm := &mockPeerManager{}
	added := make(chan string, 1)
	pm.On("AddPeer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		added <- args.String(0)
	}).Return()

	quit := make(chan struct{})
	sv, err := NewServer(pm, 0, quit)
	require.NoError(t, err)
	assert.NotZero(t, sv.GetServerPort())
	go sv.Serve()

	conn, err := net.Dial("tcp", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sv.GetServerPort()}).String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-added:
		assert.Equal(t, conn.LocalAddr().String(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("accepted connection never reached the peer manager")
	}

	close(quit)
	pm.AssertExpectations(t)
}
