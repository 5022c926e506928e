package bufsock

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TatuMon/peerio/src/eventloop"
)

func tcpPair(t *testing.T) (local, remote net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	local, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case remote = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}

	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	return local, remote
}

func TestReadableFiresAndRemoveDrains(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, remote := tcpPair(t)

	readable := make(chan struct{}, 16)
	b := New(loop, clock.New(), local, Config{ReadWatermarkHi: 1 << 16}, Callbacks{
		Readable: func() { readable <- struct{}{} },
	})
	defer b.Close()

	_, err := remote.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-readable:
	case <-time.After(time.Second):
		t.Fatal("readable never fired")
	}

	dst := make([]byte, 16)
	require.Eventually(t, func() bool { return b.InputLen() == 5 }, time.Second, time.Millisecond)
	n := b.Remove(dst)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst[:n]))
	assert.Equal(t, 0, b.InputLen())
}

/*
*
With a consumer that never drains, the input buffer must stop at the high
watermark; the rest of the remote's bytes stay queued behind TCP flow control.
*/
func TestInputNeverExceedsHighWatermark(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, remote := tcpPair(t)

	const hi = 100
	b := New(loop, clock.New(), local, Config{ReadWatermarkHi: hi}, Callbacks{})
	defer b.Close()

	sent := make(chan struct{})
	go func() {
		payload := make([]byte, 64*1024)
		remote.Write(payload)
		close(sent)
	}()

	require.Eventually(t, func() bool { return b.InputLen() == hi }, 2*time.Second, time.Millisecond)

	// Keep sampling: the pump must stay parked while the buffer is full.
	for range 50 {
		assert.LessOrEqual(t, b.InputLen(), hi)
		time.Sleep(time.Millisecond)
	}

	// Draining resumes the pump and the buffer fills back up.
	dst := make([]byte, 60)
	b.Remove(dst)
	require.Eventually(t, func() bool { return b.InputLen() == hi }, 2*time.Second, time.Millisecond)
}

func TestWritableFiresOnFullDrain(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, remote := tcpPair(t)

	writable := make(chan struct{}, 16)
	b := New(loop, clock.New(), local, Config{ReadWatermarkHi: 1 << 16}, Callbacks{
		Writable: func() { writable <- struct{}{} },
	})
	defer b.Close()

	payload := []byte("bytes for the wire")
	require.NoError(t, b.Write(payload))

	select {
	case <-writable:
	case <-time.After(time.Second):
		t.Fatal("writable never fired")
	}
	assert.Equal(t, 0, b.OutputLen())

	got := make([]byte, len(payload))
	remote.SetReadDeadline(time.Now().Add(time.Second))
	_, err := remote.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestIdleTimeoutReportsError(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, _ := tcpPair(t)

	mock := clock.NewMock()
	errs := make(chan Reason, 16)
	readable := make(chan struct{}, 16)
	b := New(loop, mock, local, Config{ReadWatermarkHi: 1 << 16, IdleTimeout: 8 * time.Second}, Callbacks{
		Readable: func() { readable <- struct{}{} },
		OnError:  func(r Reason) { errs <- r },
	})
	defer b.Close()

	var got Reason
	deadline := time.Now().Add(5 * time.Second)
waiting:
	for time.Now().Before(deadline) {
		select {
		case got = <-errs:
			break waiting
		default:
			mock.Add(500 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}

	require.True(t, got.IsTimeout(), "expected a timeout reason, got %#x", uint8(got))
	assert.False(t, got.IsEOF())

	// The only callback an idle connection sees is the error.
	select {
	case <-readable:
		t.Fatal("readable fired on an idle connection")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, errs)
}

func TestRemoteCloseReportsEOF(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, remote := tcpPair(t)

	errs := make(chan Reason, 16)
	b := New(loop, clock.New(), local, Config{ReadWatermarkHi: 1 << 16}, Callbacks{
		OnError: func(r Reason) { errs <- r },
	})
	defer b.Close()

	remote.Close()

	select {
	case r := <-errs:
		assert.True(t, r.IsEOF())
		assert.False(t, r.IsTimeout())
	case <-time.After(time.Second):
		t.Fatal("error callback never fired")
	}
}

func TestNoCallbackAfterClose(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, remote := tcpPair(t)

	fired := make(chan string, 16)
	b := New(loop, clock.New(), local, Config{ReadWatermarkHi: 1 << 16}, Callbacks{
		Readable: func() { fired <- "readable" },
		Writable: func() { fired <- "writable" },
		OnError:  func(Reason) { fired <- "error" },
	})

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Write([]byte("x")), ErrSocketClosed)

	remote.Write([]byte("bytes into a closed socket"))
	remote.Close()

	select {
	case name := <-fired:
		t.Fatalf("callback %q fired after close", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWriteOrderPreserved(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	local, remote := tcpPair(t)

	b := New(loop, clock.New(), local, Config{ReadWatermarkHi: 1 << 16}, Callbacks{})
	defer b.Close()

	var want []byte
	for i := range 100 {
		chunk := []byte{byte(i), byte(i >> 8), 0xAB}
		want = append(want, chunk...)
		require.NoError(t, b.Write(chunk))
	}

	got := make([]byte, len(want))
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	var read int
	for read < len(got) {
		n, err := remote.Read(got[read:])
		require.NoError(t, err)
		read += n
	}
	assert.Equal(t, want, got)
}
