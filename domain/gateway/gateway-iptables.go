package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/Murilovisque/logs/v3"
)

const (
	defaultIptablesChain = "INPUT"
	// bounds the duplicate-removal loop in Close
	maxDuplicateRules = 64
)

func NewIptablesGateway() *IptablesGateway {
	return &IptablesGateway{
		name:     string(IptablesGatewayType),
		chain:    defaultIptablesChain,
		poolSize: DefaultPoolSize,
		run:      ExecRunner,
		logger:   logs.NewChildLogger(logs.FixedFieldValue("gateway", string(IptablesGatewayType))),
	}
}

// IptablesGateway manages ACCEPT rules with iptables, or ip6tables for IPv6
// clients.
type IptablesGateway struct {
	name     string
	chain    string
	poolSize int
	run      CommandRunner
	logger   logs.Logger
}

type iptablesGatewayJson struct {
	commandGatewayJson
	Chain string
}

func (ig *IptablesGateway) GetName() string {
	return ig.name
}

func (ig *IptablesGateway) PoolSize() int {
	return ig.poolSize
}

func (ig *IptablesGateway) DecodeConfig(c GatewayConfig) error {
	var igj iptablesGatewayJson
	if len(c.Specification) > 0 {
		if err := json.Unmarshal(c.Specification, &igj); err != nil {
			return fmt.Errorf("gateway '%s', fail to decode. Error: %w", c.Name, err)
		}
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("gateway with empty name")
	}
	ig.name = c.Name
	if chain := strings.TrimSpace(igj.Chain); chain != "" {
		ig.chain = chain
	}
	ig.poolSize = int(igj.PoolSize)
	if ig.poolSize < 1 {
		ig.poolSize = DefaultPoolSize
	}
	ig.logger = logs.NewChildLogger(logs.FixedFieldValue("gateway", ig.name))
	ig.logger.Infof("iptables gateway config loaded, chain %s", ig.chain)
	return nil
}

// Open inserts the ACCEPT rule unless an identical one is already present.
func (ig *IptablesGateway) Open(ctx context.Context, ip netip.Addr, port uint16) error {
	exists, err := ig.exists(ctx, ip, port)
	if err != nil {
		return &OperationError{Op: "iptables open", IP: ip, Port: port, Err: err}
	}
	if exists {
		ig.logger.Infof("iptables rule already present for IP '%s' and port %d", ip, port)
		return nil
	}
	out, err := ig.run(ctx, binaryFor(ip), ig.ruleArgs("-I", ip, port)...)
	if err != nil {
		return &OperationError{Op: "iptables open", IP: ip, Port: port, Output: strings.TrimSpace(string(out)), Err: err}
	}
	ig.logger.Infof("iptables rule created for IP '%s' and port %d", ip, port)
	return nil
}

// Close deletes the rule until none is left, so duplicates inserted by other
// tools converge to closed as well.
func (ig *IptablesGateway) Close(ctx context.Context, ip netip.Addr, port uint16) error {
	deleted := 0
	for range maxDuplicateRules {
		exists, err := ig.exists(ctx, ip, port)
		if err != nil {
			return &OperationError{Op: "iptables close", IP: ip, Port: port, Err: err}
		}
		if !exists {
			if deleted > 0 {
				ig.logger.Infof("iptables rule deleted for IP '%s' and port %d", ip, port)
			}
			return nil
		}
		out, err := ig.run(ctx, binaryFor(ip), ig.ruleArgs("-D", ip, port)...)
		if err != nil {
			return &OperationError{Op: "iptables close", IP: ip, Port: port, Output: strings.TrimSpace(string(out)), Err: err}
		}
		deleted++
	}
	return &OperationError{Op: "iptables close", IP: ip, Port: port, Err: fmt.Errorf("more than %d duplicate rules", maxDuplicateRules)}
}

// exists checks with -C. Exit status 1 means the rule is missing; anything
// else is a failure of the command itself.
func (ig *IptablesGateway) exists(ctx context.Context, ip netip.Addr, port uint16) (bool, error) {
	out, err := ig.run(ctx, binaryFor(ip), ig.ruleArgs("-C", ip, port)...)
	if err == nil {
		return true, nil
	}
	var ec exitCoder
	if errors.As(err, &ec) && ec.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("rule check failed. Cmd %s. Error: %w", strings.TrimSpace(string(out)), err)
}

func (ig *IptablesGateway) ruleArgs(op string, ip netip.Addr, port uint16) []string {
	return []string{
		op, ig.chain,
		"-p", "tcp",
		"-s", ip.String(),
		"--dport", fmt.Sprint(port),
		"-m", "comment", "--comment", RuleComment,
		"-j", "ACCEPT",
	}
}

// exitCoder is satisfied by *exec.ExitError.
type exitCoder interface {
	ExitCode() int
}

func binaryFor(ip netip.Addr) string {
	if ip.Is6() {
		return "ip6tables"
	}
	return "iptables"
}
