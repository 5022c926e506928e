package bufsock

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/TatuMon/peerio/logger"
	"github.com/TatuMon/peerio/src/eventloop"
)

var ErrSocketClosed = errors.New("buffered socket is closed")

var errIdleTimeout = errors.New("connection idle past timeout")

// How much is pulled from the kernel or pushed to it per syscall.
const ioChunkSize = 16 * 1024

/*
*
Reason is the bitmask handed to the error callback. It carries which direction
the failure was observed on plus what kind of failure it was.
*/
type Reason uint8

const (
	Reading Reason = 1 << iota
	Writing
	EOF
	Error
	Timeout
)

func (r Reason) IsTimeout() bool { return r&Timeout != 0 }
func (r Reason) IsEOF() bool     { return r&EOF != 0 }

/*
*
Callbacks are dispatched on the event-loop goroutine, one at a time:

  - Readable fires after bytes land in the input buffer, when reads are
    enabled and the buffer sits above the low read watermark.
  - Writable fires when the output buffer has fully drained to the socket.
  - OnError fires once, for the first of: idle timeout, EOF, socket error.

None of them fire after Close.
*/
type Callbacks struct {
	Readable func()
	Writable func()
	OnError  func(Reason)
}

type Config struct {
	ReadWatermarkLo int
	ReadWatermarkHi int
	IdleTimeout     time.Duration
}

/*
*
BufferedSocket wraps a TCP connection with an input buffer, an output buffer,
a read high-watermark and a bidirectional idle timeout.

The reader pump never holds more than the high watermark in the input buffer:
once the buffer is full it stops pulling from the kernel entirely, which
backpressures the remote through TCP flow control until the consumer drains.
The writer pump flushes the output buffer as fast as the socket accepts it.
A watchdog on the injected clock reports a timeout when neither direction has
moved a byte for the configured idle window.
*/
type BufferedSocket struct {
	loop *eventloop.Loop
	clk  clock.Clock
	conn net.Conn
	cbs  Callbacks

	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	readWatermarkLo int
	readWatermarkHi int
	timeout         time.Duration
	readEnabled     bool
	writeEnabled    bool

	lastActivity    time.Time
	readablePending bool
	errReported     bool
	closed          bool

	kick chan struct{}
}

func New(loop *eventloop.Loop, clk clock.Clock, conn net.Conn, cfg Config, cbs Callbacks) *BufferedSocket {
	b := &BufferedSocket{
		loop:            loop,
		clk:             clk,
		conn:            conn,
		cbs:             cbs,
		readWatermarkLo: cfg.ReadWatermarkLo,
		readWatermarkHi: cfg.ReadWatermarkHi,
		timeout:         cfg.IdleTimeout,
		readEnabled:     true,
		writeEnabled:    true,
		kick:            make(chan struct{}, 1),
	}
	b.cond = sync.NewCond(&b.mu)
	b.lastActivity = clk.Now()

	go b.readPump()
	go b.writePump()
	go b.watchdog()

	return b
}

/*
*
Write appends p to the output buffer and wakes the writer pump. Safe from any
goroutine; the bytes hit the wire in call order.
*/
func (b *BufferedSocket) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrSocketClosed
	}

	b.out.Write(p)
	b.cond.Broadcast()

	return nil
}

/*
*
Remove drains up to len(dst) bytes from the input buffer into dst and returns
how many were moved. Draining below the high watermark resumes the reader
pump.
*/
func (b *BufferedSocket) Remove(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.in.Read(dst)
	if n > 0 {
		b.cond.Broadcast()
	}

	return n
}

func (b *BufferedSocket) InputLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.in.Len()
}

func (b *BufferedSocket) OutputLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.Len()
}

func (b *BufferedSocket) Enable(read, write bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.readEnabled = read
	b.writeEnabled = write
	b.cond.Broadcast()
}

func (b *BufferedSocket) SetReadWatermark(lo, hi int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.readWatermarkLo = lo
	b.readWatermarkHi = hi
	b.cond.Broadcast()
}

/*
*
SetTimeout replaces the idle window and restarts it from now. A zero duration
disables the watchdog.
*/
func (b *BufferedSocket) SetTimeout(d time.Duration) {
	b.mu.Lock()
	b.timeout = d
	b.lastActivity = b.clk.Now()
	b.mu.Unlock()

	b.kickWatchdog()
}

/*
*
Close tears the socket down: pumps exit, the connection is closed, and no
callback fires afterwards. Idempotent.
*/
func (b *BufferedSocket) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.kickWatchdog()

	return b.conn.Close()
}

func (b *BufferedSocket) readPump() {
	buf := make([]byte, ioChunkSize)

	for {
		b.mu.Lock()
		for !b.closed && (!b.readEnabled || b.inputFullLocked()) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		room := len(buf)
		if b.readWatermarkHi > 0 && b.readWatermarkHi-b.in.Len() < room {
			room = b.readWatermarkHi - b.in.Len()
		}
		b.mu.Unlock()

		n, err := b.conn.Read(buf[:room])
		if n > 0 {
			b.mu.Lock()
			b.in.Write(buf[:n])
			b.lastActivity = b.clk.Now()
			b.postReadableLocked()
			b.mu.Unlock()
		}
		if err != nil {
			reason := Reading | Error
			if errors.Is(err, io.EOF) {
				reason = Reading | EOF
			}
			b.reportError(reason, err)
			return
		}
	}
}

func (b *BufferedSocket) inputFullLocked() bool {
	return b.readWatermarkHi > 0 && b.in.Len() >= b.readWatermarkHi
}

func (b *BufferedSocket) writePump() {
	buf := make([]byte, ioChunkSize)

	for {
		b.mu.Lock()
		for !b.closed && (!b.writeEnabled || b.out.Len() == 0) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		n, _ := b.out.Read(buf)
		b.mu.Unlock()

		if _, err := b.conn.Write(buf[:n]); err != nil {
			b.reportError(Writing|Error, err)
			return
		}

		b.mu.Lock()
		b.lastActivity = b.clk.Now()
		drained := b.out.Len() == 0
		b.mu.Unlock()

		if drained {
			b.postWritable()
		}
	}
}

/*
*
The watchdog sleeps until the idle window could have elapsed, re-checks actual
activity, and either reports the timeout or goes back to sleep for the
remainder. It reads time exclusively through the injected clock; the pumps
never set socket deadlines.
*/
func (b *BufferedSocket) watchdog() {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		timeout := b.timeout
		last := b.lastActivity
		b.mu.Unlock()

		var timer *clock.Timer
		var fire <-chan time.Time
		if timeout > 0 {
			idle := b.clk.Now().Sub(last)
			if idle >= timeout {
				b.reportError(Reading|Writing|Timeout, errIdleTimeout)
				return
			}
			timer = b.clk.Timer(timeout - idle)
			fire = timer.C
		}

		select {
		case <-fire:
		case <-b.kick:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (b *BufferedSocket) kickWatchdog() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

/*
*
Readable dispatch is coalesced: at most one task sits in the loop queue at a
time, and it re-checks buffer state when it actually runs, so a consumer that
drained everything in the meantime is not woken for nothing.
*/
func (b *BufferedSocket) postReadableLocked() {
	if b.readablePending || b.cbs.Readable == nil {
		return
	}
	if b.in.Len() <= b.readWatermarkLo {
		return
	}
	b.readablePending = true

	b.loop.Post(func() {
		b.mu.Lock()
		b.readablePending = false
		ready := !b.closed && b.readEnabled && b.in.Len() > b.readWatermarkLo
		b.mu.Unlock()

		if ready {
			b.cbs.Readable()
		}
	})
}

func (b *BufferedSocket) postWritable() {
	if b.cbs.Writable == nil {
		return
	}

	b.loop.Post(func() {
		b.mu.Lock()
		ready := !b.closed && b.out.Len() == 0
		b.mu.Unlock()

		if ready {
			b.cbs.Writable()
		}
	})
}

// reportError forwards the first failure to the error callback; later ones
// are dropped, as is anything observed after Close.
func (b *BufferedSocket) reportError(reason Reason, err error) {
	b.mu.Lock()
	if b.closed || b.errReported {
		b.mu.Unlock()
		return
	}
	b.errReported = true
	b.mu.Unlock()

	logger.LogPeerError("socket error from %s: %s", b.conn.RemoteAddr(), err.Error())

	if b.cbs.OnError == nil {
		return
	}

	b.loop.Post(func() {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()

		if !closed {
			b.cbs.OnError(reason)
		}
	})
}
