package knock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Murilovisque/logs/v3"

	"knock-gate/domain/clock"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func NewTcpListenerSource() *TcpListenerSource {
	return &TcpListenerSource{
		name:   string(TcpListenerSourceType),
		clock:  clock.Real{},
		logger: logs.NewChildLogger(logs.FixedFieldValue("source", string(TcpListenerSourceType))),
	}
}

// TcpListenerSource binds one TCP listener per knock port. Connections are
// closed as soon as they are accepted; no byte is read or written.
type TcpListenerSource struct {
	name    string
	address string
	clock   clock.Clock
	binders []KnockBinder
	logger  logs.Logger

	mu        sync.Mutex
	listeners map[uint16]net.Listener
	wg        sync.WaitGroup
}

type tcpListenerJson struct {
	Address string
}

func (ts *TcpListenerSource) GetName() string {
	return ts.name
}

func (ts *TcpListenerSource) AddBinder(b KnockBinder) {
	ts.binders = append(ts.binders, b)
}

func (ts *TcpListenerSource) DecodeConfig(c SourceConfig) error {
	var tj tcpListenerJson
	if len(c.Specification) > 0 {
		if err := json.Unmarshal(c.Specification, &tj); err != nil {
			return fmt.Errorf("source '%s', fail to decode. Error: %w", c.Name, err)
		}
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("source with empty name")
	}
	tj.Address = strings.TrimSpace(tj.Address)
	if tj.Address != "" {
		if _, err := netip.ParseAddr(tj.Address); err != nil {
			return fmt.Errorf("source '%s', invalid listen address '%s'", c.Name, tj.Address)
		}
	}
	ts.name = c.Name
	ts.address = tj.Address
	ts.logger = logs.NewChildLogger(logs.FixedFieldValue("source", ts.name))
	ts.logger.Info("tcp listener source config loaded")
	return nil
}

// Start binds every distinct port of the sequence. A port that cannot be
// bound is reported and skipped; Start fails only if no port was bound.
func (ts *TcpListenerSource) Start(sequence []uint16) error {
	ports := uniquePorts(sequence)
	lc := net.ListenConfig{Control: listenerControl}
	ts.mu.Lock()
	ts.listeners = make(map[uint16]net.Listener, len(ports))
	ts.mu.Unlock()
	var bindErrs []error
	for _, port := range ports {
		addr := net.JoinHostPort(ts.address, strconv.Itoa(int(port)))
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			bindErr := &BindError{Port: port, Err: err}
			ts.logger.Errorf("knock port %d disabled. Error: %s", port, bindErr)
			bindErrs = append(bindErrs, bindErr)
			continue
		}
		ts.mu.Lock()
		ts.listeners[port] = ln
		ts.mu.Unlock()
		ts.wg.Add(1)
		go ts.acceptLoop(ln, port)
	}
	if len(bindErrs) == len(ports) {
		return fmt.Errorf("source '%s', no knock port could be bound: %w", ts.name, errors.Join(bindErrs...))
	}
	return nil
}

func (ts *TcpListenerSource) acceptLoop(ln net.Listener, port uint16) {
	defer ts.wg.Done()
	ts.logger.Infof("listening for knocks on %s", ln.Addr())
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = max(minAcceptBackoff, min(2*delay, maxAcceptBackoff))
			ts.logger.Errorf("accept on knock port %d failed, retrying in %v. Error: %s", port, delay, err)
			time.Sleep(delay)
			continue
		}
		delay = 0
		now := ts.clock.Now()
		remote := conn.RemoteAddr()
		conn.Close()
		ip, ok := remoteIP(remote)
		if !ok {
			ts.logger.Errorf("knock on port %d from unsupported address '%s' dropped", port, remote)
			continue
		}
		ev := Event{IP: ip, Port: port, At: now}
		for _, b := range ts.binders {
			b.ListenKnock(ev)
		}
	}
}

// Addrs returns the bound listener addresses by knock port.
func (ts *TcpListenerSource) Addrs() map[uint16]net.Addr {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[uint16]net.Addr, len(ts.listeners))
	for p, ln := range ts.listeners {
		out[p] = ln.Addr()
	}
	return out
}

func (ts *TcpListenerSource) StopAndWait() error {
	ts.mu.Lock()
	var errs []error
	for port, ln := range ts.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close knock port %d: %w", port, err))
		}
	}
	ts.listeners = nil
	ts.mu.Unlock()
	ts.wg.Wait()
	return errors.Join(errs...)
}

func remoteIP(addr net.Addr) (netip.Addr, bool) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return ap.Addr().Unmap(), ap.Addr().IsValid()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
