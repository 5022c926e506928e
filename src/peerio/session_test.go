package peerio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPeerIDShape(t *testing.T) {
	s := NewSession(Config{})
	t.Cleanup(s.Close)

	id := s.LocalPeerID()
	assert.Equal(t, "-TM0001-", string(id[:8]))
	assert.Len(t, id, PeerIDLen)
}

func TestLocalPeerIDStablePerSession(t *testing.T) {
	s1 := NewSession(Config{})
	t.Cleanup(s1.Close)
	s2 := NewSession(Config{})
	t.Cleanup(s2.Close)

	require.Equal(t, s1.LocalPeerID(), s1.LocalPeerID())
	assert.NotEqual(t, s1.LocalPeerID(), s2.LocalPeerID())
}
