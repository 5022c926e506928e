package peerio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/TatuMon/peerio/logger"
	"github.com/TatuMon/peerio/src/bufsock"
	"github.com/TatuMon/peerio/src/peercrypto"
)

const (
	HashLen   = 20
	PeerIDLen = 20

	// A full piece request: 16 KiB of block payload plus the 13-byte message
	// header. The input buffer never holds more than this.
	ReadHighWatermark = 16397

	DefaultIdleTimeout = 8 * time.Second
)

var (
	ErrDialRateLimited = errors.New("outbound connect rejected by dial rate limiter")
	ErrNotOutgoing     = errors.New("operation is only defined for outgoing connections")
	ErrPeerClosed      = errors.New("peer connection is closed")
)

type InfoHash [HashLen]byte

type PeerID [PeerIDLen]byte

type EncryptionMode int

const (
	EncryptionNone EncryptionMode = iota
	EncryptionStream
)

/*
*
ReadResult is what the read callback hands back to the dispatch loop:

  - ReadMore: progress was made but the consumer wants more bytes before doing
    anything else. Dispatch again when more arrive.
  - ReadAgain: progress was made and the consumer wants another call right now
    if input is still buffered.
  - ReadDone: the consumer cannot proceed until something external changes.
    Dispatch again on the next readable event.
*/
type ReadResult int

const (
	ReadMore ReadResult = iota
	ReadAgain
	ReadDone
)

type ReadFunc func(*PeerIO) ReadResult

type WriteFunc func(*PeerIO)

type ErrorFunc func(*PeerIO, bufsock.Reason)

/*
*
PeerIO is the byte transport under a single peer connection. It owns the TCP
socket and the BufferedSocket wrapped around it, applies the stream cipher (or
not) to every byte moving in either direction, and drives the consumer's
read/write/error callbacks from the session's event loop.

It does not interpret the bytes it carries. Framing, requests, extensions and
everything else above raw bytes belong to the peer-message layer sitting on
top of it.
*/
type PeerIO struct {
	session   *Session
	incoming  bool
	ip        net.IP
	port      uint16
	createdAt time.Time

	mu       sync.Mutex
	conn     net.Conn
	buffered *bufsock.BufferedSocket
	crypto   *peercrypto.Cipher

	readFunc  ReadFunc
	writeFunc WriteFunc
	errFunc   ErrorFunc

	mode        EncryptionMode
	hash        InfoHash
	hasHash     bool
	peerID      PeerID
	hasPeerID   bool
	ltep        bool
	fext        bool
	idleTimeout time.Duration
	closed      bool

	bytesFromPeer atomic.Uint64
}

/*
*
NewOutgoing dials addr:port, applies the session's peer-socket ToS byte and
wraps the connection. The cipher pair is bound to hash immediately; encryption
itself stays off until SetEncryption.

Connect failures surface here. The dial limiter also rejects here when the
session is opening connections too fast; callers must not retry in a tight
loop either way.
*/
func NewOutgoing(s *Session, ip net.IP, port uint16, hash InfoHash) (*PeerIO, error) {
	if !s.dialLimiter.Allow() {
		s.stats.Counter("peer_dials_rate_limited").Inc(1)
		return nil, ErrDialRateLimited
	}

	conn, err := net.DialTimeout("tcp", addrString(ip, port), s.dialTimeout)
	if err != nil {
		s.stats.Counter("peer_dial_failures").Inc(1)
		return nil, fmt.Errorf("failed to make TCP connection: %w", err)
	}
	setSocketTOS(conn, s.peerSocketTOS)

	p := newPeerIO(s, conn, ip, port, false)
	p.crypto = peercrypto.New(hash[:], false)
	p.hash = hash
	p.hasHash = true
	p.attachBufferedLocked(conn)

	s.stats.Counter("peers_opened").Inc(1)

	return p, nil
}

/*
*
NewIncoming adopts an already-accepted connection. The torrent hash is not yet
known at this point; the cipher pair is built hashless and completed later via
SetTorrentHash, once the remote's handshake names the swarm.
*/
func NewIncoming(s *Session, conn net.Conn, ip net.IP, port uint16) *PeerIO {
	p := newPeerIO(s, conn, ip, port, true)
	p.crypto = peercrypto.New(nil, true)
	p.attachBufferedLocked(conn)

	s.stats.Counter("peers_opened").Inc(1)

	return p
}

func newPeerIO(s *Session, conn net.Conn, ip net.IP, port uint16, incoming bool) *PeerIO {
	return &PeerIO{
		session:     s,
		incoming:    incoming,
		ip:          ip,
		port:        port,
		createdAt:   s.clk.Now(),
		conn:        conn,
		mode:        EncryptionNone,
		idleTimeout: DefaultIdleTimeout,
	}
}

// Caller must hold p.mu, or be the only goroutine that can see p yet.
func (p *PeerIO) attachBufferedLocked(conn net.Conn) {
	p.buffered = bufsock.New(p.session.loop, p.session.clk, conn, bufsock.Config{
		ReadWatermarkLo: 0,
		ReadWatermarkHi: ReadHighWatermark,
		IdleTimeout:     p.idleTimeout,
	}, bufsock.Callbacks{
		Readable: p.canRead,
		Writable: p.canWrite,
		OnError:  p.gotError,
	})
}

/*
*
SetIOFuncs installs the consumer's callbacks, then immediately attempts a read
drain: bytes already buffered (a handshake prologue left over by whatever ran
before, typically) are handed to the new read callback without waiting for the
next readable event.

Safe from inside a dispatched callback: the drain is deferred to a posted task
in that case, since running it inline would re-enter the session lock.
*/
func (p *PeerIO) SetIOFuncs(read ReadFunc, write WriteFunc, errf ErrorFunc) {
	p.mu.Lock()
	p.readFunc = read
	p.writeFunc = write
	p.errFunc = errf
	p.mu.Unlock()

	p.TryRead()
}

/*
*
TryRead drives the read dispatch loop if input is buffered: synchronously when
already on the event-loop goroutine with no dispatch in flight, otherwise via
a posted task.

The posted-task fallback is what makes calling this (on any PeerIO of the
session) from inside a dispatched callback safe; the dispatch already holds
the session lock, and the lock is not reentrant.
*/
func (p *PeerIO) TryRead() {
	p.mu.Lock()
	b := p.buffered
	p.mu.Unlock()

	if b == nil || b.InputLen() == 0 {
		return
	}

	if p.session.loop.InLoop() && !p.session.dispatching() {
		p.canRead()
		return
	}
	p.session.loop.Post(p.canRead)
}

/*
*
canRead is the readable dispatcher: it invokes the consumer's read callback
and keeps re-invoking it, in the same event-loop tick, for as long as the
callback answers ReadAgain and input remains buffered. The session lock is
held across the entire loop so the consumer may traverse shared swarm state.

A cleared callback slot ends the loop, which is what makes Close from inside
the callback safe: the current invocation finishes, the next iteration finds
nothing to call.
*/
func (p *PeerIO) canRead() {
	p.session.Lock()
	p.session.beginDispatch()
	defer func() {
		p.session.endDispatch()
		p.session.Unlock()
	}()

	for {
		p.mu.Lock()
		read := p.readFunc
		b := p.buffered
		p.mu.Unlock()

		if read == nil || b == nil {
			return
		}

		logger.LogIOEvent("dispatching read to %s", p.String())

		if read(p) != ReadAgain {
			return
		}
		if b.InputLen() == 0 {
			return
		}
	}
}

func (p *PeerIO) canWrite() {
	p.session.Lock()
	p.session.beginDispatch()
	defer func() {
		p.session.endDispatch()
		p.session.Unlock()
	}()

	p.mu.Lock()
	write := p.writeFunc
	p.mu.Unlock()

	if write == nil {
		return
	}

	logger.LogIOEvent("dispatching write to %s", p.String())
	write(p)
}

func (p *PeerIO) gotError(reason bufsock.Reason) {
	p.session.Lock()
	p.session.beginDispatch()
	defer func() {
		p.session.endDispatch()
		p.session.Unlock()
	}()

	p.mu.Lock()
	errf := p.errFunc
	p.mu.Unlock()

	if errf == nil {
		return
	}

	logger.LogPeerError("dispatching error %#x to %s", uint8(reason), p.String())
	errf(p, reason)
}

/*
*
WriteBytes appends src to the output buffer, encrypting a scratch copy first
when stream mode is on. src itself is never modified.
*/
func (p *PeerIO) WriteBytes(src []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.buffered == nil {
		return ErrPeerClosed
	}

	if p.mode == EncryptionStream {
		scratch := make([]byte, len(src))
		copy(scratch, src)
		p.crypto.Encrypt(scratch)
		return p.buffered.Write(scratch)
	}

	return p.buffered.Write(src)
}

/*
*
ReadBytes drains len(dst) bytes from the input buffer into dst, decrypting in
place when stream mode is on. The input buffer must already hold that many
bytes; checking is the caller's contract.

The returned count is added to the bytes-from-peer total whatever the cipher
mode is: the counter measures raw buffered bytes consumed.
*/
func (p *PeerIO) ReadBytes(dst []byte) int {
	p.mu.Lock()
	if p.closed || p.buffered == nil {
		p.mu.Unlock()
		return 0
	}

	n := p.buffered.Remove(dst)
	if p.mode == EncryptionStream {
		p.crypto.Decrypt(dst[:n])
	}
	p.mu.Unlock()

	p.bytesFromPeer.Add(uint64(n))
	p.session.stats.Counter("peer_ingress_bytes").Inc(int64(n))

	return n
}

func (p *PeerIO) WriteUint8(v uint8) error {
	return p.WriteBytes([]byte{v})
}

func (p *PeerIO) WriteUint16(v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return p.WriteBytes(buf[:])
}

func (p *PeerIO) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return p.WriteBytes(buf[:])
}

func (p *PeerIO) ReadUint8() uint8 {
	var buf [1]byte
	p.ReadBytes(buf[:])
	return buf[0]
}

func (p *PeerIO) ReadUint16() uint16 {
	var buf [2]byte
	p.ReadBytes(buf[:])
	return binary.BigEndian.Uint16(buf[:])
}

func (p *PeerIO) ReadUint32() uint32 {
	var buf [4]byte
	p.ReadBytes(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

/*
*
Drain discards n buffered input bytes. In stream mode the bytes still pass
through the receive keystream: dropping a message must not desynchronise the
cipher. The discarded bytes count against bytes-from-peer like any other read.
*/
func (p *PeerIO) Drain(n int) {
	var scratch [512]byte

	for n > 0 {
		chunk := n
		if chunk > len(scratch) {
			chunk = len(scratch)
		}
		got := p.ReadBytes(scratch[:chunk])
		if got == 0 {
			return
		}
		n -= got
	}
}

/*
*
Write injects src into the output buffer without touching the cipher. It
exists for the handshake prologue, the bytes that go out before encryption is
negotiated; once a stream mode is set, all output belongs to WriteBytes.

Must be called from the event-loop goroutine.
*/
func (p *PeerIO) Write(src []byte) error {
	if !p.session.loop.InLoop() {
		panic("peerio: Write called off the event-loop goroutine")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.buffered == nil {
		return ErrPeerClosed
	}

	return p.buffered.Write(src)
}

// WriteBuf forwards buf's contents through Write and empties buf.
func (p *PeerIO) WriteBuf(buf *bytes.Buffer) error {
	if err := p.Write(buf.Bytes()); err != nil {
		return err
	}
	buf.Reset()

	return nil
}

/*
*
Reconnect replaces a dead outgoing connection with a fresh one to the same
address, keeping everything else: cipher state, counters, capability flags,
encryption mode, installed callbacks. Callers that want a fresh crypto
handshake must build a new PeerIO instead.

Must NOT be called from the event-loop goroutine: the dial blocks for up to
the session dial timeout, and the loop is shared by every peer on the
session. A callback reacting to a dead connection hands the reconnect to
another goroutine.
*/
func (p *PeerIO) Reconnect() error {
	if p.incoming {
		return ErrNotOutgoing
	}
	if p.session.loop.InLoop() {
		panic("peerio: Reconnect called on the event-loop goroutine")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	old := p.buffered
	p.buffered = nil
	p.conn = nil
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	// No locks held across the dial; accessors and the loop stay live.
	conn, err := net.DialTimeout("tcp", addrString(p.ip, p.port), p.session.dialTimeout)
	if err != nil {
		p.session.stats.Counter("peer_dial_failures").Inc(1)
		return fmt.Errorf("failed to make TCP connection: %w", err)
	}
	setSocketTOS(conn, p.session.peerSocketTOS)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		conn.Close()
		return ErrPeerClosed
	}
	p.conn = conn
	p.attachBufferedLocked(conn)

	return nil
}

/*
*
SetTimeout replaces the idle window on the underlying socket and makes sure
both directions are enabled again.
*/
func (p *PeerIO) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.idleTimeout = d
	b := p.buffered
	p.mu.Unlock()

	if b != nil {
		b.SetTimeout(d)
		b.Enable(true, true)
	}
}

/*
*
Close is safe from any goroutine and any callback. The callback slots are
cleared synchronously, so a dispatch already in flight finds nothing to call
on its next iteration; the actual teardown of the buffered socket and the
connection happens as a posted event-loop task, after whatever callback the
loop is currently inside has returned.
*/
func (p *PeerIO) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.readFunc = nil
	p.writeFunc = nil
	p.errFunc = nil
	p.mu.Unlock()

	p.session.stats.Counter("peers_closed").Inc(1)

	teardown := func() {
		p.mu.Lock()
		b := p.buffered
		p.buffered = nil
		p.conn = nil
		p.mu.Unlock()

		if b != nil {
			b.Close()
		}
	}

	if err := p.session.loop.Post(teardown); err != nil {
		// Loop already stopped; nothing can be dispatching, tear down inline.
		teardown()
	}
}

func (p *PeerIO) IsIncoming() bool {
	return p.incoming
}

func (p *PeerIO) RemoteIP() net.IP {
	return p.ip
}

func (p *PeerIO) RemotePort() uint16 {
	return p.port
}

func (p *PeerIO) String() string {
	return addrString(p.ip, p.port)
}

// Age is how long ago this connection was constructed. It survives reconnects.
func (p *PeerIO) Age() time.Duration {
	return p.session.clk.Now().Sub(p.createdAt)
}

func (p *PeerIO) BytesFromPeer() uint64 {
	return p.bytesFromPeer.Load()
}

func (p *PeerIO) OutputBytesWaiting() int {
	p.mu.Lock()
	b := p.buffered
	p.mu.Unlock()

	if b == nil {
		return 0
	}
	return b.OutputLen()
}

func (p *PeerIO) InputBytesBuffered() int {
	p.mu.Lock()
	b := p.buffered
	p.mu.Unlock()

	if b == nil {
		return 0
	}
	return b.InputLen()
}

/*
*
SetEncryption switches the cipher mode for all subsequent reads and writes.
Stream mode requires the torrent hash to already be installed, since the
keystreams are derived from it.
*/
func (p *PeerIO) SetEncryption(mode EncryptionMode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mode == EncryptionStream && !p.hasHash {
		panic("peerio: stream encryption requires a torrent hash")
	}
	p.mode = mode
}

func (p *PeerIO) Encryption() EncryptionMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

/*
*
SetTorrentHash binds the connection to a swarm and derives the cipher
keystreams. On incoming connections this happens after the remote's handshake
identifies the torrent; it must happen before stream mode is enabled.
*/
func (p *PeerIO) SetTorrentHash(hash InfoHash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hash = hash
	p.hasHash = true
	if p.crypto != nil {
		p.crypto.SetHash(hash[:])
	}
}

func (p *PeerIO) TorrentHash() (InfoHash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash, p.hasHash
}

func (p *PeerIO) HasTorrentHash() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasHash
}

func (p *PeerIO) SetPeerID(id PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerID = id
	p.hasPeerID = true
}

func (p *PeerIO) PeerID() (PeerID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID, p.hasPeerID
}

func (p *PeerIO) HasPeerID() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPeerID
}

func (p *PeerIO) SetSupportsLTEP(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ltep = v
}

func (p *PeerIO) SupportsLTEP() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ltep
}

func (p *PeerIO) SetSupportsFEXT(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fext = v
}

func (p *PeerIO) SupportsFEXT() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fext
}

func addrString(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

func setSocketTOS(conn net.Conn, tos int) {
	if tos == 0 {
		return
	}

	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		logrus.Debugf("failed to set peer socket tos on %s: %s", conn.RemoteAddr(), err.Error())
	}
}
