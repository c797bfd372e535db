package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/Murilovisque/logs/v3"
)

// Rule identifies an allow rule.
type Rule struct {
	IP   netip.Addr
	Port uint16
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %d", r.IP, r.Port)
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		name:   string(MemoryGatewayType),
		rules:  make(map[Rule]struct{}),
		logger: logs.NewChildLogger(logs.FixedFieldValue("gateway", string(MemoryGatewayType))),
	}
}

// MemoryGateway keeps rules in memory. It backs dry runs and tests.
type MemoryGateway struct {
	name   string
	logger logs.Logger

	mu     sync.Mutex
	rules  map[Rule]struct{}
	opens  int
	closes int
}

func (mg *MemoryGateway) GetName() string {
	return mg.name
}

func (mg *MemoryGateway) DecodeConfig(c GatewayConfig) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("gateway with empty name")
	}
	mg.name = c.Name
	mg.logger = logs.NewChildLogger(logs.FixedFieldValue("gateway", mg.name))
	mg.logger.Info("memory gateway config loaded, firewall will not be changed")
	return nil
}

func (mg *MemoryGateway) Open(ctx context.Context, ip netip.Addr, port uint16) error {
	if err := ctx.Err(); err != nil {
		return &OperationError{Op: "memory open", IP: ip, Port: port, Err: err}
	}
	mg.mu.Lock()
	mg.opens++
	mg.rules[Rule{IP: ip, Port: port}] = struct{}{}
	mg.mu.Unlock()
	mg.logger.Infof("memory rule created for IP '%s' and port %d", ip, port)
	return nil
}

func (mg *MemoryGateway) Close(ctx context.Context, ip netip.Addr, port uint16) error {
	if err := ctx.Err(); err != nil {
		return &OperationError{Op: "memory close", IP: ip, Port: port, Err: err}
	}
	mg.mu.Lock()
	mg.closes++
	delete(mg.rules, Rule{IP: ip, Port: port})
	mg.mu.Unlock()
	mg.logger.Infof("memory rule deleted for IP '%s' and port %d", ip, port)
	return nil
}

func (mg *MemoryGateway) Purge(ctx context.Context) (int, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	n := len(mg.rules)
	clear(mg.rules)
	return n, nil
}

// IsOpen reports whether ip may currently reach port.
func (mg *MemoryGateway) IsOpen(ip netip.Addr, port uint16) bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	_, ok := mg.rules[Rule{IP: ip, Port: port}]
	return ok
}

// Rules returns the installed rules sorted by IP then port.
func (mg *MemoryGateway) Rules() []Rule {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]Rule, 0, len(mg.rules))
	for r := range mg.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].IP.Compare(out[j].IP); c != 0 {
			return c < 0
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Calls returns how many times Open and Close were called.
func (mg *MemoryGateway) Calls() (opens, closes int) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.opens, mg.closes
}
