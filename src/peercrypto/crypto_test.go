package peercrypto

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testHash() []byte {
	h := make([]byte, HashLen)
	for i := range h {
		h[i] = byte(i + 1)
	}
	return h
}

func TestStreamSymmetry(t *testing.T) {
	outbound := New(testHash(), false)
	inbound := New(testHash(), true)

	payload := []byte("piece request and then some payload bytes")

	wire := make([]byte, len(payload))
	copy(wire, payload)
	outbound.Encrypt(wire)
	require.NotEqual(t, payload, wire)

	inbound.Decrypt(wire)
	require.Equal(t, payload, wire)
}

func TestStreamSymmetryReverseDirection(t *testing.T) {
	outbound := New(testHash(), false)
	inbound := New(testHash(), true)

	payload := []byte("bytes flowing from the receiver back to the initiator")

	wire := make([]byte, len(payload))
	copy(wire, payload)
	inbound.Encrypt(wire)
	outbound.Decrypt(wire)
	require.Equal(t, payload, wire)
}

/*
*
The keystream must line up whatever chunk sizes either side picks, since TCP
gives no framing guarantees.
*/
func TestStreamSymmetryArbitraryChunking(t *testing.T) {
	outbound := New(testHash(), false)
	inbound := New(testHash(), true)

	rng := rand.New(rand.NewSource(42))
	payload := make([]byte, 4096)
	rng.Read(payload)

	var wire bytes.Buffer
	for sent := 0; sent < len(payload); {
		chunk := 1 + rng.Intn(97)
		if sent+chunk > len(payload) {
			chunk = len(payload) - sent
		}
		enc := make([]byte, chunk)
		copy(enc, payload[sent:sent+chunk])
		outbound.Encrypt(enc)
		wire.Write(enc)
		sent += chunk
	}

	var got bytes.Buffer
	for wire.Len() > 0 {
		chunk := 1 + rng.Intn(211)
		if chunk > wire.Len() {
			chunk = wire.Len()
		}
		dec := wire.Next(chunk)
		inbound.Decrypt(dec)
		got.Write(dec)
	}

	require.Equal(t, payload, got.Bytes())
}

func TestDistinctKeystreamsPerDirection(t *testing.T) {
	c := New(testHash(), false)

	a := make([]byte, 64)
	b := make([]byte, 64)
	c.Encrypt(a)
	c.Decrypt(b)

	require.NotEqual(t, a, b)
}

func TestHashlessPassthrough(t *testing.T) {
	c := New(nil, true)

	payload := []byte("handshake prologue before the swarm is known")
	buf := make([]byte, len(payload))
	copy(buf, payload)

	c.Encrypt(buf)
	require.Equal(t, payload, buf)
	c.Decrypt(buf)
	require.Equal(t, payload, buf)

	_, ok := c.Hash()
	require.False(t, ok)
}

func TestSetHashInstallsKeys(t *testing.T) {
	inbound := New(nil, true)
	inbound.SetHash(testHash())

	hash, ok := inbound.Hash()
	require.True(t, ok)
	require.Equal(t, testHash(), hash[:])

	outbound := New(testHash(), false)

	wire := []byte("late-bound swarm")
	want := make([]byte, len(wire))
	copy(want, wire)

	outbound.Encrypt(wire)
	inbound.Decrypt(wire)
	require.Equal(t, want, wire)
}
