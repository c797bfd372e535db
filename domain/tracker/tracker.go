package tracker

import (
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultMaxClients     = 65536
	defaultStaleAfterMult = 3
)

// Result is the outcome of one knock.
type Result struct {
	Accepted         bool
	SequenceComplete bool
	// Progress after the knock was applied.
	Progress int
}

type Option func(*Tracker)

// WithMaxClients bounds the client table. The least recently seen client is
// evicted when a new one would exceed the bound.
func WithMaxClients(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxClients = n
		}
	}
}

// WithStaleAfter sets how long a client may stay silent before Sweep drops it.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// Tracker holds the knock progress of every source IP. All state is guarded
// by one mutex, so knocks are applied one at a time in some serial order.
type Tracker struct {
	sequence   []uint16
	window     time.Duration
	maxClients int
	staleAfter time.Duration

	mu      sync.Mutex
	clients *simplelru.LRU[netip.Addr, *clientState]
}

type clientState struct {
	progress  int
	lastKnock time.Time // zero while progress == 0
	lastSeen  time.Time
}

func New(sequence []uint16, window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		sequence:   append([]uint16(nil), sequence...),
		window:     window,
		maxClients: DefaultMaxClients,
		staleAfter: defaultStaleAfterMult * window,
	}
	for _, o := range opts {
		o(t)
	}
	// NewLRU only fails for a non-positive size, which the options prevent.
	t.clients, _ = simplelru.NewLRU[netip.Addr, *clientState](t.maxClients, nil)
	return t
}

func (t *Tracker) Sequence() []uint16 {
	return append([]uint16(nil), t.sequence...)
}

func (t *Tracker) Window() time.Duration {
	return t.window
}

// RegisterKnock applies a knock on port from ip observed at now.
func (t *Tracker) RegisterKnock(ip netip.Addr, port uint16, now time.Time) Result {
	if len(t.sequence) == 0 {
		return Result{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cs := t.lookup(ip, now)
	cs.lastSeen = now

	if !cs.lastKnock.IsZero() && now.Sub(cs.lastKnock) > t.window {
		cs.reset()
	}
	if port != t.sequence[cs.progress] {
		cs.reset()
		return Result{}
	}
	cs.progress++
	cs.lastKnock = now
	if cs.progress == len(t.sequence) {
		cs.reset()
		return Result{Accepted: true, SequenceComplete: true}
	}
	return Result{Accepted: true, Progress: cs.progress}
}

// Progress reports how many consecutive correct knocks ip has made. Window
// expiry is only applied on the next knock, so a stale client still reports
// its last progress.
func (t *Tracker) Progress(ip netip.Addr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.clients.Peek(ip); ok {
		return cs.progress
	}
	return 0
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients.Len()
}

// Sweep drops every client not seen since now-staleAfter and returns how
// many were dropped.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-t.staleAfter)
	removed := 0
	for {
		_, cs, ok := t.clients.GetOldest()
		if !ok || cs.lastSeen.After(cutoff) {
			return removed
		}
		t.clients.RemoveOldest()
		removed++
	}
}

// lookup returns the state for ip, marking it most recently seen. Adding a
// new client to a full table evicts the least recently seen one.
func (t *Tracker) lookup(ip netip.Addr, now time.Time) *clientState {
	if cs, ok := t.clients.Get(ip); ok {
		return cs
	}
	cs := &clientState{lastSeen: now}
	t.clients.Add(ip, cs)
	return cs
}

func (cs *clientState) reset() {
	cs.progress = 0
	cs.lastKnock = time.Time{}
}
