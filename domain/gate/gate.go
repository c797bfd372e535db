package gate

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/Murilovisque/logs/v3"
	"go4.org/netipx"
	"golang.org/x/sync/semaphore"

	"knock-gate/domain/clock"
	"knock-gate/domain/gateway"
	"knock-gate/domain/knock"
	"knock-gate/domain/metrics"
	"knock-gate/domain/revoker"
	"knock-gate/domain/tracker"
)

const (
	DefaultSweepInterval    = time.Minute
	DefaultOperationTimeout = 30 * time.Second
)

type Config struct {
	ProtectedPort uint16
	OpenDuration  time.Duration
	SweepInterval time.Duration
	// AllowedSources restricts which source IPs may knock. Nil allows all.
	AllowedSources *netipx.IPSet
	PoolSize       int
	// OperationTimeout bounds every firewall Open or Close.
	OperationTimeout time.Duration
}

// Gate consumes knocks, drives the tracker and turns completed sequences
// into grants on the gateway with a scheduled revocation.
type Gate struct {
	cfg       Config
	tracker   *tracker.Tracker
	gateway   gateway.Gateway
	scheduler *revoker.Scheduler
	metrics   *metrics.Metrics
	clock     clock.Clock
	pool      *semaphore.Weighted
	logger    logs.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	grants       sync.WaitGroup
	chStopSignal chan bool
	chStopped    chan bool
	stopOnce     sync.Once
}

func New(cfg Config, tr *tracker.Tracker, gw gateway.Gateway, m *metrics.Metrics, c clock.Clock, opts ...revoker.Option) *Gate {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = gateway.DefaultPoolSize
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		cfg:          cfg,
		tracker:      tr,
		gateway:      gw,
		metrics:      m,
		clock:        c,
		pool:         semaphore.NewWeighted(int64(cfg.PoolSize)),
		logger:       logs.NewChildLogger(logs.FixedFieldValue("gate", gw.GetName())),
		ctx:          ctx,
		cancel:       cancel,
		chStopSignal: make(chan bool),
		chStopped:    make(chan bool),
	}
	opts = append([]revoker.Option{revoker.WithObserver(g)}, opts...)
	g.scheduler = revoker.New(g.closeAccess, c, opts...)
	return g
}

// ListenKnock applies one knock. It is called from the source goroutines and
// only blocks on the tracker lock; firewall work runs in its own goroutine.
func (g *Gate) ListenKnock(ev knock.Event) {
	if g.cfg.AllowedSources != nil && !g.cfg.AllowedSources.Contains(ev.IP) {
		g.metrics.Knock(metrics.KnockIgnored)
		g.logger.Infof("knock from IP '%s' on port %d ignored, source not allowed", ev.IP, ev.Port)
		return
	}
	r := g.tracker.RegisterKnock(ev.IP, ev.Port, ev.At)
	switch {
	case r.SequenceComplete:
		g.metrics.Knock(metrics.KnockCompleted)
		g.logger.Infof("correct sequence from IP '%s'", ev.IP)
		g.grants.Add(1)
		go g.grant(ev.IP)
	case r.Accepted:
		g.metrics.Knock(metrics.KnockAccepted)
	default:
		g.metrics.Knock(metrics.KnockRejected)
	}
}

// grant arms the revocation before opening, so a revocation that was already
// running for this IP finishes before the new rule is installed. Once the
// rule exists it is armed again: the first timer may have fired while Open
// was still running, and the open duration counts from the rule's creation.
// A failed open keeps the first arm; Close is idempotent.
func (g *Gate) grant(ip netip.Addr) {
	defer g.grants.Done()
	port := g.cfg.ProtectedPort
	g.scheduler.Arm(ip, port, g.cfg.OpenDuration)
	if err := g.withPool(g.ctx, func(ctx context.Context) error {
		return g.gateway.Open(ctx, ip, port)
	}); err != nil {
		g.metrics.Grant(metrics.GrantDenied)
		g.logger.Errorf("grant denied for IP '%s' on port %d after a correct sequence. Error: %s", ip, port, err)
		return
	}
	g.scheduler.Arm(ip, port, g.cfg.OpenDuration)
	g.metrics.Grant(metrics.GrantGranted)
	g.logger.Infof("protected port %d opened for IP '%s' for %v", port, ip, g.cfg.OpenDuration)
}

func (g *Gate) closeAccess(ctx context.Context, ip netip.Addr, port uint16) error {
	return g.withPool(ctx, func(opCtx context.Context) error {
		return g.gateway.Close(opCtx, ip, port)
	})
}

// withPool runs f once a pool slot is free, with the operation timeout.
func (g *Gate) withPool(ctx context.Context, f func(ctx context.Context) error) error {
	if err := g.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.pool.Release(1)
	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OperationTimeout)
	defer cancel()
	return f(opCtx)
}

// Revoked implements revoker.Observer.
func (g *Gate) Revoked(ip netip.Addr, port uint16, err error) {
	if err != nil {
		g.metrics.Revocation(metrics.RevokeFailed)
		return
	}
	g.metrics.Revocation(metrics.RevokeRevoked)
	g.logger.Infof("protected port %d closed for IP '%s'", port, ip)
}

// Pending lists the grants waiting for revocation.
func (g *Gate) Pending() []revoker.Grant {
	return g.scheduler.Pending()
}

// Start runs the periodic sweep of idle clients.
func (g *Gate) Start() error {
	go func() {
		g.logger.Infof("gate started, protected port %d, open duration %v", g.cfg.ProtectedPort, g.cfg.OpenDuration)
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sweep()
			case <-g.chStopSignal:
				g.chStopped <- true
				return
			}
		}
	}()
	return nil
}

func (g *Gate) Sweep() {
	if n := g.tracker.Sweep(g.clock.Now()); n > 0 {
		g.logger.Infof("%d idle clients dropped from tracker", n)
	}
	g.metrics.TrackedClients(g.tracker.Len())
}

// StopAndWait stops the sweep, aborts in-flight firewall operations, cancels
// every pending revocation and waits for running grants. Access granted
// before the stop stays open.
func (g *Gate) StopAndWait() error {
	g.stopOnce.Do(func() {
		g.chStopSignal <- true
		close(g.chStopSignal)
		<-g.chStopped
		close(g.chStopped)
		g.cancel()
		g.scheduler.Stop()
		g.grants.Wait()
	})
	return nil
}
