package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Murilovisque/logs/v3"

	"knock-gate/config"
	"knock-gate/domain/clock"
	"knock-gate/domain/gate"
	"knock-gate/domain/gateway"
	"knock-gate/domain/knock"
	"knock-gate/domain/metrics"
	"knock-gate/domain/tracker"
)

var (
	appStopped = make(chan bool, 1)
)

// App holds the running components in start order.
type App struct {
	settings config.Settings
	metrics  *metrics.Metrics
	gateway  gateway.Gateway
	gate     *gate.Gate
	sources  []knock.Source
}

// Start builds the app from the validated config and blocks until SIGINT or
// SIGTERM.
func Start() error {
	s, err := config.Validate()
	if err != nil {
		return err
	}
	a, err := Build(s)
	if err != nil {
		return err
	}
	if err := a.Run(); err != nil {
		return err
	}
	prepareStopHandler(a)
	<-appStopped
	return nil
}

// Build wires every component without starting any of them.
func Build(s config.Settings) (*App, error) {
	for _, p := range s.Duplicates() {
		logs.Infof("knock port %d appears more than once in the sequence", p)
	}
	gw, err := gateway.New(s.Gateway.Type)
	if err != nil {
		return nil, err
	}
	if err := gw.DecodeConfig(s.Gateway); err != nil {
		return nil, err
	}
	poolSize := gateway.DefaultPoolSize
	if ps, ok := gw.(gateway.PoolSizer); ok {
		poolSize = ps.PoolSize()
	}
	m := metrics.New()
	tr := tracker.New(s.Sequence, s.SequenceWindow,
		tracker.WithMaxClients(s.MaxClients),
		tracker.WithStaleAfter(3*s.SequenceWindow))
	g := gate.New(gate.Config{
		ProtectedPort:  s.ProtectedPort,
		OpenDuration:   s.OpenDuration,
		SweepInterval:  s.SweepInterval,
		AllowedSources: s.AllowedSources,
		PoolSize:       poolSize,
	}, tr, gw, m, clock.Real{})

	var sources []knock.Source
	for _, sc := range s.Sources {
		src, err := knock.New(sc.Type)
		if err != nil {
			return nil, err
		}
		if err := src.DecodeConfig(sc); err != nil {
			return nil, err
		}
		src.AddBinder(g)
		logs.Infof("source '%s' bind to gateway '%s'", src.GetName(), gw.GetName())
		sources = append(sources, src)
	}
	return &App{settings: s, metrics: m, gateway: gw, gate: g, sources: sources}, nil
}

// Run starts the metrics endpoint, the gate and every knock source.
func (a *App) Run() error {
	if a.settings.PurgeOnStart {
		if p, ok := a.gateway.(gateway.Purger); ok {
			n, err := p.Purge(context.Background())
			if err != nil {
				return fmt.Errorf("gateway '%s', purge failed. Error: %w", a.gateway.GetName(), err)
			}
			logs.Infof("%d leftover rules purged from gateway '%s'", n, a.gateway.GetName())
		}
	}
	if a.settings.MetricsAddress != "" {
		if err := a.metrics.Serve(a.settings.MetricsAddress); err != nil {
			return err
		}
	}
	if err := a.gate.Start(); err != nil {
		return err
	}
	logs.Infof("listening for knock sequence %v, protected port %d", a.settings.Sequence, a.settings.ProtectedPort)
	for i, src := range a.sources {
		if err := src.Start(a.settings.Sequence); err != nil {
			for _, started := range a.sources[:i] {
				if err := started.StopAndWait(); err != nil {
					logs.Error(err)
				}
			}
			_ = a.gate.StopAndWait()
			_ = a.metrics.StopAndWait()
			return err
		}
	}
	return nil
}

// Gate exposes the running gate, mainly for tests.
func (a *App) Gate() *gate.Gate {
	return a.gate
}

// Stop stops the sources first so no knock arrives at a stopped gate.
func (a *App) Stop() {
	for _, src := range a.sources {
		err := src.StopAndWait()
		if err != nil {
			logs.Error(err)
		}
	}
	logs.Info("Sources stopped")
	if err := a.gate.StopAndWait(); err != nil {
		logs.Error(err)
	}
	logs.Info("Gate stopped, pending revocations cancelled")
	if err := a.metrics.StopAndWait(); err != nil {
		logs.Error(err)
	}
}

func prepareStopHandler(a *App) {
	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-chSignal
		logs.Infof("signal received %v, stopping app...", s)
		a.Stop()
		appStopped <- true
		close(appStopped)
	}()
}
