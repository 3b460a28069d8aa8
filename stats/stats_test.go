package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerRatesAndTotals(t *testing.T) {
	s := NewStats(0, 0, 1000)

	s.UpdatePeer("peer-a", 0, 100)
	s.UpdatePeer("peer-a", 0, 100)
	s.UpdatePeer("peer-b", 50, 0)

	peerStats := s.GetPeerStats()
	require.Contains(t, peerStats, "peer-a")
	require.Contains(t, peerStats, "peer-b")
	// One sample of 200 averaged over the whole window.
	assert.Equal(t, 200/PONDERATION_TIME, peerStats["peer-a"].DownloadRate)
	assert.Equal(t, 50/PONDERATION_TIME, peerStats["peer-b"].UploadRate)

	uploaded, downloaded, left := s.GetTrackerStats()
	assert.Equal(t, 50, uploaded)
	assert.Equal(t, 200, downloaded)
	assert.Equal(t, 1000, left)

	s.SetLeft(800)
	_, _, left = s.GetTrackerStats()
	assert.Equal(t, 800, left)
}

func TestRemovePeer(t *testing.T) {
	s := NewStats(0, 0, 0)
	s.UpdatePeer("peer-a", 0, 10)
	s.RemovePeer("peer-a")
	assert.Empty(t, s.GetPeerStats())
}

func TestClientRatesAggregate(t *testing.T) {
	s := NewStats(0, 0, 0)
	s.UpdatePeer("peer-a", 0, 100)
	s.UpdatePeer("peer-b", 0, 300)
	s.GetPeerStats()

	_, downloadRate := s.GetClientRates()
	assert.Equal(t, 400/PONDERATION_TIME, downloadRate)
}
