package peerio

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"golang.org/x/time/rate"

	"github.com/TatuMon/peerio/src/eventloop"
)

const defaultDialTimeout = 30 * time.Second

type Config struct {
	// Zero means defaultDialTimeout.
	DialTimeout time.Duration

	// ToS byte applied to outgoing peer sockets. Zero leaves the socket alone.
	PeerSocketTOS int

	// Outbound connect rate. Zero means unlimited.
	DialsPerSecond float64
	DialBurst      int

	// Defaults to a noop scope.
	Stats tally.Scope

	// Defaults to the system clock. Tests inject a mock.
	Clock clock.Clock
}

/*
*
Session is the process-wide context every PeerIO hangs off: the event loop,
the clock, the metrics scope, the outbound dial limiter and the session lock.

The lock is explicit and non-recursive. The core acquires it for the duration
of every callback dispatch, including across the whole read-again loop, so the
peer-message layer may traverse shared swarm state from inside its callbacks.
Callbacks must not acquire it again and must not block while it is held.
*/
type Session struct {
	mu sync.Mutex

	loop  *eventloop.Loop
	clk   clock.Clock
	stats tally.Scope

	dialLimiter   *rate.Limiter
	dialTimeout   time.Duration
	peerSocketTOS int

	localPeerID PeerID

	// Touched only by the event-loop goroutine, while the session lock is
	// held. True while a callback dispatch is in flight, so TryRead can tell
	// that an inline drain would re-enter the lock.
	inDispatch bool
}

func NewSession(cfg Config) *Session {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Stats == nil {
		cfg.Stats = tally.NoopScope
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DialsPerSecond > 0 {
		burst := cfg.DialBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), burst)
	}

	return &Session{
		loop:          eventloop.New(),
		clk:           cfg.Clock,
		stats:         cfg.Stats,
		dialLimiter:   limiter,
		dialTimeout:   cfg.DialTimeout,
		peerSocketTOS: cfg.PeerSocketTOS,
		localPeerID:   genLocalPeerID(),
	}
}

func (s *Session) Lock() {
	s.mu.Lock()
}

func (s *Session) Unlock() {
	s.mu.Unlock()
}

func (s *Session) beginDispatch() {
	s.inDispatch = true
}

func (s *Session) endDispatch() {
	s.inDispatch = false
}

// Only meaningful on the event-loop goroutine, the one place inDispatch is
// ever written.
func (s *Session) dispatching() bool {
	return s.inDispatch
}

func (s *Session) Loop() *eventloop.Loop {
	return s.loop
}

func (s *Session) LocalPeerID() PeerID {
	return s.localPeerID
}

// Close stops the event loop after draining the tasks already posted to it.
func (s *Session) Close() {
	s.loop.Stop()
}

/*
*
The session is itself a peer. Its ID follows the Azureus convention: a client
tag, then random bytes.
*/
func genLocalPeerID() PeerID {
	prefix := []byte("-TM0001-")

	randSlice := make([]byte, PeerIDLen-len(prefix))
	_, _ = rand.Read(randSlice)

	var id PeerID
	copy(id[:], append(prefix, randSlice...))

	return id
}
