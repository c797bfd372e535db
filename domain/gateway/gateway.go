package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os/exec"
)

type GatewayType string

const (
	UfwGatewayType      GatewayType = "UFW_GATEWAY"
	IptablesGatewayType GatewayType = "IPTABLES_GATEWAY"
	MemoryGatewayType   GatewayType = "MEMORY_GATEWAY"

	// RuleComment tags every rule installed by knock-gate.
	RuleComment = "knock-gate"

	DefaultPoolSize = 4
)

type GatewayConfig struct {
	Name          string
	Type          GatewayType
	Specification json.RawMessage
}

// Gateway installs and removes the rules that let a source IP reach the
// protected port. Open and Close are idempotent.
type Gateway interface {
	GetName() string
	DecodeConfig(c GatewayConfig) error
	Open(ctx context.Context, ip netip.Addr, port uint16) error
	Close(ctx context.Context, ip netip.Addr, port uint16) error
}

// Purger is implemented by gateways able to remove every rule they own,
// including rules left behind by a previous process.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// PoolSizer is implemented by gateways that bound how many firewall
// operations may run at once.
type PoolSizer interface {
	PoolSize() int
}

// New builds an unconfigured gateway of type t.
func New(t GatewayType) (Gateway, error) {
	switch t {
	case UfwGatewayType:
		return NewUfwGateway(), nil
	case IptablesGatewayType:
		return NewIptablesGateway(), nil
	case MemoryGatewayType:
		return NewMemoryGateway(), nil
	default:
		return nil, fmt.Errorf("invalid gateway type '%s'", t)
	}
}

// OperationError reports a failed firewall operation.
type OperationError struct {
	Op     string
	IP     netip.Addr
	Port   uint16
	Output string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s for IP '%s' and port %d failed. Cmd %s. Error: %s", e.Op, e.IP, e.Port, e.Output, e.Err)
	}
	return fmt.Sprintf("%s for IP '%s' and port %d failed. Error: %s", e.Op, e.IP, e.Port, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type commandGatewayJson struct {
	PoolSize uint
}
