package revoker

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/Murilovisque/logs/v3"
	"github.com/cenkalti/backoff/v5"

	"knock-gate/domain/clock"
)

const DefaultMaxRetryDuration = 2 * time.Minute

// Closer removes a grant. It is usually a gateway's Close.
type Closer func(ctx context.Context, ip netip.Addr, port uint16) error

// Grant is a pending revocation.
type Grant struct {
	IP        netip.Addr
	Port      uint16
	ExpiresAt time.Time
}

// Observer is notified of every revocation outcome.
type Observer interface {
	Revoked(ip netip.Addr, port uint16, err error)
}

type Option func(*Scheduler)

func WithMaxRetryDuration(d time.Duration) Option {
	return func(s *Scheduler) {
		s.maxRetry = d
	}
}

// WithBackOff replaces the exponential retry policy, mostly for tests.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Scheduler) {
		s.newBackOff = newBackOff
	}
}

// WithMaxTries caps the number of close attempts per revocation.
func WithMaxTries(n uint) Option {
	return func(s *Scheduler) {
		s.maxTries = n
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// Scheduler closes grants after their open duration. Arming a grant that is
// already pending restarts its timer.
type Scheduler struct {
	closer     Closer
	clock      clock.Clock
	maxRetry   time.Duration
	maxTries   uint
	newBackOff func() backoff.BackOff
	observer   Observer
	logger     logs.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	entries map[key]*entry
}

type key struct {
	ip   netip.Addr
	port uint16
}

// entry.mu serializes arming and firing for one key. Scheduler.mu may be
// taken while entry.mu is held, never the other way round.
type entry struct {
	mu        sync.Mutex
	gen       uint64
	timer     clock.Timer
	expiresAt time.Time
	removed   bool
}

func New(closer Closer, c clock.Clock, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		closer:   closer,
		clock:    c,
		maxRetry: DefaultMaxRetryDuration,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		logger:  logs.NewChildLogger(logs.FixedFieldValue("component", "revoker")),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[key]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Arm schedules Close(ip, port) after d. A pending revocation for the same
// pair is replaced, extending access to d from now; replaced reports that.
func (s *Scheduler) Arm(ip netip.Addr, port uint16, d time.Duration) (replaced bool) {
	k := key{ip: ip, port: port}
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			s.logger.Errorf("revocation for IP '%s' and port %d not armed, scheduler stopped", ip, port)
			return false
		}
		e, ok := s.entries[k]
		if !ok {
			e = &entry{}
			s.entries[k] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// lost a race with the previous revocation's cleanup
			e.mu.Unlock()
			continue
		}
		// a stale callback may already have fired; the grant is still replaced
		replaced = e.timer != nil
		if replaced {
			e.timer.Stop()
		}
		e.gen++
		gen := e.gen
		e.expiresAt = s.clock.Now().Add(d)
		e.timer = s.clock.AfterFunc(d, func() { s.fire(k, e, gen) })
		e.mu.Unlock()

		if replaced {
			s.logger.Infof("revocation for IP '%s' and port %d extended by %v", ip, port, d)
		} else {
			s.logger.Infof("revocation for IP '%s' and port %d armed in %v", ip, port, d)
		}
		return replaced
	}
}

// Pending returns the armed revocations ordered by expiry.
func (s *Scheduler) Pending() []Grant {
	s.mu.Lock()
	entries := make(map[key]*entry, len(s.entries))
	for k, e := range s.entries {
		entries[k] = e
	}
	s.mu.Unlock()

	var out []Grant
	for k, e := range entries {
		e.mu.Lock()
		if !e.removed && e.timer != nil {
			out = append(out, Grant{IP: k.ip, Port: k.port, ExpiresAt: e.expiresAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Stop cancels every pending timer and aborts running retries. Grants that
// were not revoked yet stay open.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	entries := s.entries
	s.entries = make(map[key]*entry)
	s.mu.Unlock()

	s.cancel()
	for k, e := range entries {
		e.mu.Lock()
		if e.timer != nil && e.timer.Stop() {
			s.logger.Infof("revocation for IP '%s' and port %d cancelled, access left open", k.ip, k.port)
		}
		e.removed = true
		e.mu.Unlock()
	}
	s.wg.Wait()
}

func (s *Scheduler) fire(k key, e *entry, gen uint64) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.removed {
		return
	}
	err := s.closeWithRetry(k)
	if s.observer != nil {
		s.observer.Revoked(k.ip, k.port, err)
	}
	if err != nil {
		s.logger.Errorf("revoke for IP '%s' and port %d failed, access left open. Error: %s", k.ip, k.port, err)
	}

	s.mu.Lock()
	if s.entries[k] == e {
		delete(s.entries, k)
	}
	s.mu.Unlock()
	e.removed = true
	e.timer = nil
}

func (s *Scheduler) closeWithRetry(k key) error {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(s.maxRetry),
	}
	if s.maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(s.maxTries))
	}
	attempt := 0
	_, err := backoff.Retry(s.ctx, func() (struct{}, error) {
		attempt++
		err := s.closer(s.ctx, k.ip, k.port)
		if err != nil {
			s.logger.Errorf("revoke attempt %d for IP '%s' and port %d failed. Error: %s", attempt, k.ip, k.port, err)
		}
		return struct{}{}, err
	}, opts...)
	return err
}
