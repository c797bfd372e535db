package gate

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go4.org/netipx"

	"knock-gate/domain/clock"
	"knock-gate/domain/gateway"
	"knock-gate/domain/knock"
	"knock-gate/domain/metrics"
	"knock-gate/domain/revoker"
	"knock-gate/domain/tracker"
)

var (
	sequence = []uint16{1234, 5678, 9012}
	t0       = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client   = netip.MustParseAddr("10.0.0.5")
	other    = netip.MustParseAddr("10.0.0.6")
)

const (
	protectedPort = 2222
	window        = 10 * time.Second
	openDuration  = 30 * time.Second
)

type gatewayCall struct {
	op   string
	ip   netip.Addr
	port uint16
	at   time.Time
}

// recordingGateway wraps a MemoryGateway and records calls with clock time.
type recordingGateway struct {
	*gateway.MemoryGateway
	clk      clock.Clock
	mu       sync.Mutex
	calls    []gatewayCall
	openErr  error
	closeErr error
	// openHook runs before Open touches the rule set; its error is returned.
	openHook func(ctx context.Context) error
}

func (r *recordingGateway) record(op string, ip netip.Addr, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, gatewayCall{op: op, ip: ip, port: port, at: r.clk.Now()})
}

func (r *recordingGateway) Open(ctx context.Context, ip netip.Addr, port uint16) error {
	r.record("open", ip, port)
	if r.openHook != nil {
		if err := r.openHook(ctx); err != nil {
			return &gateway.OperationError{Op: "open", IP: ip, Port: port, Err: err}
		}
	}
	if r.openErr != nil {
		return &gateway.OperationError{Op: "open", IP: ip, Port: port, Err: r.openErr}
	}
	return r.MemoryGateway.Open(ctx, ip, port)
}

func (r *recordingGateway) Close(ctx context.Context, ip netip.Addr, port uint16) error {
	r.record("close", ip, port)
	if r.closeErr != nil {
		return &gateway.OperationError{Op: "close", IP: ip, Port: port, Err: r.closeErr}
	}
	return r.MemoryGateway.Close(ctx, ip, port)
}

func (r *recordingGateway) ops(op string, ip netip.Addr) []gatewayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gatewayCall
	for _, c := range r.calls {
		if c.op == op && c.ip == ip {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	gate    *Gate
	clock   *clock.Manual
	gw      *recordingGateway
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	gw := &recordingGateway{MemoryGateway: gateway.NewMemoryGateway(), clk: clk}
	m := metrics.New()
	if cfg.ProtectedPort == 0 {
		cfg.ProtectedPort = protectedPort
	}
	if cfg.OpenDuration == 0 {
		cfg.OpenDuration = openDuration
	}
	g := New(cfg, tracker.New(sequence, window), gw, m, clk,
		revoker.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		revoker.WithMaxTries(2))
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = g.StopAndWait() })
	return &fixture{gate: g, clock: clk, gw: gw, metrics: m}
}

// knock delivers a knock at the current clock time and advances the clock.
func (f *fixture) knock(ip netip.Addr, port uint16, after time.Duration) {
	f.gate.ListenKnock(knock.Event{IP: ip, Port: port, At: f.clock.Now()})
	f.clock.Advance(after)
}

// metricValue reads a counter by label value, or the gauge when label is empty.
func metricValue(t *testing.T, f *fixture, name, label string) float64 {
	t.Helper()
	families, err := f.metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetGauge().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// knockSequence knocks the full sequence half a second apart and waits for
// the grant. The clock is left at the completion time.
func (f *fixture) knockSequence(ip netip.Addr) {
	for i, p := range sequence {
		var after time.Duration
		if i < len(sequence)-1 {
			after = 500 * time.Millisecond
		}
		f.knock(ip, p, after)
	}
	f.gate.grants.Wait()
}

func TestCorrectSequenceOpensThenRevokes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.knockSequence(client)

	opens := f.gw.ops("open", client)
	if len(opens) != 1 || opens[0].port != protectedPort {
		t.Fatalf("opens = %v", opens)
	}
	if !f.gw.IsOpen(client, protectedPort) {
		t.Fatal("protected port should be open")
	}
	completedAt := opens[0].at

	f.clock.Advance(openDuration - 2*time.Second)
	if got := f.gw.ops("close", client); len(got) != 0 {
		t.Fatalf("closed too early: %v", got)
	}
	f.clock.Advance(2 * time.Second)
	closes := f.gw.ops("close", client)
	if len(closes) != 1 {
		t.Fatalf("closes = %v", closes)
	}
	if want := completedAt.Add(openDuration); !closes[0].at.Equal(want) {
		t.Fatalf("closed at %v, want %v", closes[0].at, want)
	}
	if f.gw.IsOpen(client, protectedPort) {
		t.Fatal("protected port should be closed")
	}
	f.clock.Advance(time.Hour)
	if got := f.gw.ops("close", client); len(got) != 1 {
		t.Fatalf("expected a single close, got %v", got)
	}
	if got := metricValue(t, f, "knockgate_grants_total", metrics.GrantGranted); got != 1 {
		t.Fatalf("granted = %v, want 1", got)
	}
	if got := metricValue(t, f, "knockgate_revocations_total", metrics.RevokeRevoked); got != 1 {
		t.Fatalf("revoked = %v, want 1", got)
	}
}

func TestWrongFirstKnockDoesNotAdvance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.knock(client, 5678, time.Second)
	if got := f.gate.tracker.Progress(client); got != 0 {
		t.Fatalf("progress = %d, want 0", got)
	}
	f.knock(client, 9012, time.Second)
	f.gate.grants.Wait()
	if got := f.gw.ops("open", client); len(got) != 0 {
		t.Fatalf("unexpected open: %v", got)
	}
}

func TestWindowExpiryPreventsGrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.knock(client, 1234, window+time.Millisecond)
	f.knock(client, 5678, time.Second)
	f.knock(client, 9012, time.Second)
	f.gate.grants.Wait()
	if got := f.gw.ops("open", client); len(got) != 0 {
		t.Fatalf("unexpected open: %v", got)
	}
}

func TestSecondCompletionExtendsAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.knockSequence(client)
	f.clock.Advance(20 * time.Second)
	f.knockSequence(client)
	second := f.gw.ops("open", client)[1].at

	f.clock.Advance(openDuration - 2*time.Second)
	if got := f.gw.ops("close", client); len(got) != 0 {
		t.Fatalf("first revocation should have been replaced: %v", got)
	}
	f.clock.Advance(2 * time.Second)
	closes := f.gw.ops("close", client)
	if len(closes) != 1 || !closes[0].at.Equal(second.Add(openDuration)) {
		t.Fatalf("closes = %v, want one at %v", closes, second.Add(openDuration))
	}
}

func TestFailedOpenIsGrantDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.gw.openErr = errors.New("iptables: permission denied")
	f.knockSequence(client)

	if got := metricValue(t, f, "knockgate_grants_total", metrics.GrantDenied); got != 1 {
		t.Fatalf("denied grants = %v, want 1", got)
	}
	if got := metricValue(t, f, "knockgate_knocks_total", metrics.KnockRejected); got != 0 {
		t.Fatalf("a denied grant must not count as a wrong knock, rejected = %v", got)
	}
	// The armed revocation still converges the firewall to closed.
	f.clock.Advance(openDuration)
	if got := f.gw.ops("close", client); len(got) != 1 {
		t.Fatalf("closes = %v", got)
	}
}

func TestFailedRevokeIsCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.gw.closeErr = errors.New("iptables: resource busy")
	f.knockSequence(client)
	f.clock.Advance(openDuration)

	if got := len(f.gw.ops("close", client)); got != 2 {
		t.Fatalf("close attempts = %d, want 2", got)
	}
	if got := metricValue(t, f, "knockgate_revocations_total", metrics.RevokeFailed); got != 1 {
		t.Fatalf("failed revocations = %v", got)
	}
	if !f.gw.IsOpen(client, protectedPort) {
		t.Fatal("rule should still be open after failed revocation")
	}
}

func TestAllowedSourcesFilter(t *testing.T) {
	t.Parallel()

	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("10.0.0.5/32"))
	allowed, err := b.IPSet()
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Config{AllowedSources: allowed})
	f.knockSequence(other)
	f.knockSequence(client)

	if got := f.gw.ops("open", other); len(got) != 0 {
		t.Fatalf("disallowed source opened: %v", got)
	}
	if got := f.gw.ops("open", client); len(got) != 1 {
		t.Fatalf("allowed source not opened: %v", got)
	}
	if got := metricValue(t, f, "knockgate_knocks_total", metrics.KnockIgnored); got != 3 {
		t.Fatalf("ignored = %v, want 3", got)
	}
}

func TestInterleavedClientsConcurrently(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	var wg sync.WaitGroup
	for _, ip := range []netip.Addr{client, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range sequence {
				f.gate.ListenKnock(knock.Event{IP: ip, Port: p, At: t0})
			}
		}()
	}
	wg.Wait()
	f.gate.grants.Wait()

	for _, ip := range []netip.Addr{client, other} {
		if got := f.gw.ops("open", ip); len(got) != 1 {
			t.Fatalf("opens for %s = %v", ip, got)
		}
	}
	if got := len(f.gate.Pending()); got != 2 {
		t.Fatalf("pending revocations = %d, want 2", got)
	}
}

func TestSweepReportsTrackedClients(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.knock(client, 1234, 0)
	f.knock(other, 1, 0)
	f.gate.Sweep()
	if got := metricValue(t, f, "knockgate_tracked_clients", ""); got != 2 {
		t.Fatalf("tracked = %v, want 2", got)
	}
	f.clock.Advance(10 * window)
	f.gate.Sweep()
	if got := metricValue(t, f, "knockgate_tracked_clients", ""); got != 0 {
		t.Fatalf("tracked = %v, want 0", got)
	}
}

// knockAll delivers the full sequence without waiting for the grant.
func (f *fixture) knockAll(ip netip.Addr) {
	for _, p := range sequence {
		f.knock(ip, p, 0)
	}
}

func TestSlowOpenIsRevokedAfterItCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.openHook = func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	f.knockAll(client)
	<-started
	// The first timer fires while Open is still running.
	f.clock.Advance(openDuration + time.Second)
	close(release)
	f.gate.grants.Wait()

	if !f.gw.IsOpen(client, protectedPort) {
		t.Fatal("rule should be open once Open returns")
	}
	if got := len(f.gate.Pending()); got != 1 {
		t.Fatalf("pending revocations = %d, want 1", got)
	}
	openedAt := f.clock.Now()
	f.clock.Advance(time.Hour)

	if f.gw.IsOpen(client, protectedPort) {
		t.Fatal("rule left open after a slow Open")
	}
	closes := f.gw.ops("close", client)
	if len(closes) != 2 {
		t.Fatalf("closes = %v, want 2", closes)
	}
	if want := openedAt.Add(openDuration); !closes[1].at.Equal(want) {
		t.Fatalf("last close at %v, want %v", closes[1].at, want)
	}
	if got := len(f.gate.Pending()); got != 0 {
		t.Fatalf("pending revocations = %d, want 0", got)
	}
}

func TestHungOpenTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{OperationTimeout: 20 * time.Millisecond})
	f.gw.openHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	f.knockAll(client)
	f.gate.grants.Wait()

	if got := metricValue(t, f, "knockgate_grants_total", metrics.GrantDenied); got != 1 {
		t.Fatalf("denied grants = %v, want 1", got)
	}
	if f.gw.IsOpen(client, protectedPort) {
		t.Fatal("timed out Open must not install the rule")
	}
}

func TestStopAndWaitAbortsHungOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{OperationTimeout: time.Hour})
	started := make(chan struct{})
	f.gw.openHook = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	f.knockAll(client)
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = f.gate.StopAndWait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAndWait blocked on a hung Open")
	}
	if got := len(f.gate.Pending()); got != 0 {
		t.Fatalf("pending revocations = %d, want 0", got)
	}
}
