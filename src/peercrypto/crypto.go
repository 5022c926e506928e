package peercrypto

import (
	"crypto/rc4"
	"crypto/sha1"
)

const HashLen = 20

// MSE mandates discarding the head of the RC4 keystream.
const keystreamDiscard = 1024

/*
*
Cipher is a pair of independent RC4 keystreams bound to a torrent's info-hash,
one for each direction of a peer connection. The two endpoints derive the same
two keystreams from the hash; which one encrypts and which one decrypts is
decided by who initiated the connection, so the outbound side's send stream is
the inbound side's receive stream and vice versa.

A Cipher built without a hash (inbound connections, before the remote's
handshake names the swarm) passes bytes through unchanged until SetHash
installs the keys.
*/
type Cipher struct {
	hash     [HashLen]byte
	hasHash  bool
	incoming bool

	enc *rc4.Cipher
	dec *rc4.Cipher
}

func New(hash []byte, incoming bool) *Cipher {
	c := &Cipher{incoming: incoming}
	if hash != nil {
		c.SetHash(hash)
	}

	return c
}

/*
*
SetHash derives both keystreams from the given 20-byte info-hash. Installing a
hash resets any keystream progress, so it must happen before the first
encrypted byte moves in either direction.
*/
func (c *Cipher) SetHash(hash []byte) {
	copy(c.hash[:], hash)
	c.hasHash = true

	keyA := deriveKey("keyA", c.hash[:])
	keyB := deriveKey("keyB", c.hash[:])

	// The initiator sends on the "A" stream; the receiver sends on "B".
	if c.incoming {
		c.enc = newKeystream(keyB)
		c.dec = newKeystream(keyA)
	} else {
		c.enc = newKeystream(keyA)
		c.dec = newKeystream(keyB)
	}
}

func (c *Cipher) Hash() ([HashLen]byte, bool) {
	return c.hash, c.hasHash
}

func (c *Cipher) IsIncoming() bool {
	return c.incoming
}

// Encrypt applies the send-direction keystream to b in place.
func (c *Cipher) Encrypt(b []byte) {
	if c.enc == nil {
		return
	}
	c.enc.XORKeyStream(b, b)
}

// Decrypt applies the receive-direction keystream to b in place.
func (c *Cipher) Decrypt(b []byte) {
	if c.dec == nil {
		return
	}
	c.dec.XORKeyStream(b, b)
}

func deriveKey(prefix string, hash []byte) []byte {
	h := sha1.New()
	h.Write([]byte(prefix))
	h.Write(hash)
	return h.Sum(nil)
}

func newKeystream(key []byte) *rc4.Cipher {
	ks, err := rc4.NewCipher(key)
	if err != nil {
		// Key length is fixed at sha1.Size; NewCipher only rejects bad lengths.
		panic(err)
	}

	var discard [keystreamDiscard]byte
	ks.XORKeyStream(discard[:], discard[:])

	return ks
}
