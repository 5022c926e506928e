package peerio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const HandshakeLen = 68

const protocolString = "BitTorrent protocol"

// Reserved-byte capability bits, per BEP 10 and BEP 6.
const (
	ltepReservedByte = 5
	ltepReservedBit  = 0x10
	fextReservedByte = 7
	fextReservedBit  = 0x04
)

/*
*
Handshake is the fixed 68-byte prologue both sides exchange before any
message flows: one length byte, the protocol string, eight reserved bytes
carrying capability bits, the info-hash and the sender's peer-id.

These bytes precede encryption negotiation, which is why they travel through
PeerIO's direct Write path rather than WriteBytes.
*/
type Handshake struct {
	InfoHash     InfoHash
	PeerID       PeerID
	SupportsLTEP bool
	SupportsFEXT bool
}

/*
*
https://wiki.theory.org/BitTorrentSpecification#Handshake
*/
func (h *Handshake) Serialize() []byte {
	var buf bytes.Buffer
	var reserved [8]byte

	if h.SupportsLTEP {
		reserved[ltepReservedByte] |= ltepReservedBit
	}
	if h.SupportsFEXT {
		reserved[fextReservedByte] |= fextReservedBit
	}

	buf.WriteByte(byte(len(protocolString)))
	buf.Write([]byte(protocolString))
	buf.Write(reserved[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])

	return buf.Bytes()
}

func HandshakeFromStream(r []byte) (*Handshake, error) {
	buf := bytes.NewBuffer(r)

	if buf.Len() == 0 {
		return nil, errors.New("empty handshake")
	}

	pstrlen, _ := buf.ReadByte()

	pstrbuf := make([]byte, int(pstrlen))
	if _, err := io.ReadFull(buf, pstrbuf); err != nil {
		return nil, fmt.Errorf("failed to get protocol string: %w", err)
	}
	if string(pstrbuf) != protocolString {
		return nil, fmt.Errorf("unknown protocol %q", string(pstrbuf))
	}

	reserved := make([]byte, 8)
	if _, err := io.ReadFull(buf, reserved); err != nil {
		return nil, fmt.Errorf("failed to get reserved bytes: %w", err)
	}

	infoHashBuf := make([]byte, HashLen)
	if _, err := io.ReadFull(buf, infoHashBuf); err != nil {
		return nil, fmt.Errorf("failed to get info hash: %w", err)
	}

	peerIDBuf := make([]byte, PeerIDLen)
	if _, err := io.ReadFull(buf, peerIDBuf); err != nil {
		return nil, fmt.Errorf("failed to get peer ID: %w", err)
	}

	return &Handshake{
		InfoHash:     InfoHash(infoHashBuf),
		PeerID:       PeerID(peerIDBuf),
		SupportsLTEP: reserved[ltepReservedByte]&ltepReservedBit != 0,
		SupportsFEXT: reserved[fextReservedByte]&fextReservedBit != 0,
	}, nil
}

/*
*
ApplyTo copies what the remote's handshake told us onto the connection: its
peer-id, its capability flags, and, on incoming connections that are not yet
bound to a swarm, the torrent hash.
*/
func (h *Handshake) ApplyTo(p *PeerIO) {
	p.SetPeerID(h.PeerID)
	p.SetSupportsLTEP(h.SupportsLTEP)
	p.SetSupportsFEXT(h.SupportsFEXT)

	if !p.HasTorrentHash() {
		p.SetTorrentHash(h.InfoHash)
	}
}
