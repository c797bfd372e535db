package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/Murilovisque/logs/v3"
)

var (
	regexUfwRule = regexp.MustCompile(`^\[\s*([0-9]+)\]\s*(.+?)\s*# ` + regexp.QuoteMeta(RuleComment) + `\s*$`)
	regexSpace   = regexp.MustCompile(`\s+`)
)

func NewUfwGateway() *UfwGateway {
	return &UfwGateway{
		name:     string(UfwGatewayType),
		poolSize: DefaultPoolSize,
		run:      ExecRunner,
		logger:   logs.NewChildLogger(logs.FixedFieldValue("gateway", string(UfwGatewayType))),
	}
}

// UfwGateway manages allow rules through the ufw command line.
type UfwGateway struct {
	name     string
	poolSize int
	run      CommandRunner
	logger   logs.Logger
}

func (ug *UfwGateway) GetName() string {
	return ug.name
}

func (ug *UfwGateway) PoolSize() int {
	return ug.poolSize
}

func (ug *UfwGateway) DecodeConfig(c GatewayConfig) error {
	var ugj commandGatewayJson
	if len(c.Specification) > 0 {
		if err := json.Unmarshal(c.Specification, &ugj); err != nil {
			return fmt.Errorf("gateway '%s', fail to decode. Error: %w", c.Name, err)
		}
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("gateway with empty name")
	}
	ug.name = c.Name
	ug.poolSize = int(ugj.PoolSize)
	if ug.poolSize < 1 {
		ug.poolSize = DefaultPoolSize
	}
	ug.logger = logs.NewChildLogger(logs.FixedFieldValue("gateway", ug.name))
	ug.logger.Info("ufw gateway config loaded")
	return nil
}

// Open inserts an allow rule at the top of the ruleset. ufw skips rules that
// already exist, so repeated calls leave a single rule.
func (ug *UfwGateway) Open(ctx context.Context, ip netip.Addr, port uint16) error {
	args := []string{"prepend", "allow"}
	if ip.Is6() {
		// ufw refuses to prepend v6 rules while no v6 rule exists
		args = []string{"allow"}
	}
	args = append(args, ufwRuleArgs(ip, port)...)
	args = append(args, "comment", RuleComment)
	out, err := ug.run(ctx, "ufw", args...)
	if err != nil {
		return &OperationError{Op: "ufw open", IP: ip, Port: port, Output: strings.TrimSpace(string(out)), Err: err}
	}
	ug.logger.Infof("ufw rule created for IP '%s' and port %d", ip, port)
	return nil
}

// Close deletes the allow rule. Deleting a missing rule is not an error.
func (ug *UfwGateway) Close(ctx context.Context, ip netip.Addr, port uint16) error {
	args := append([]string{"--force", "delete", "allow"}, ufwRuleArgs(ip, port)...)
	out, err := ug.run(ctx, "ufw", args...)
	if err != nil {
		return &OperationError{Op: "ufw close", IP: ip, Port: port, Output: strings.TrimSpace(string(out)), Err: err}
	}
	ug.logger.Infof("ufw rule deleted for IP '%s' and port %d", ip, port)
	return nil
}

// Purge deletes every numbered rule tagged with RuleComment, highest number
// first so the remaining numbers stay valid.
func (ug *UfwGateway) Purge(ctx context.Context) (int, error) {
	out, err := ug.run(ctx, "ufw", "status", "numbered")
	if err != nil {
		return 0, fmt.Errorf("ufw failed to get status. Cmd %s. Error: %w", out, err)
	}
	lines := strings.Split(string(out), "\n")
	slices.Reverse(lines)
	deleted := 0
	for _, ln := range lines {
		matchStrings := regexUfwRule.FindStringSubmatch(strings.TrimRight(ln, "\r"))
		if len(matchStrings) != 3 {
			continue
		}
		ruleId := matchStrings[1]
		rule := strings.TrimSpace(regexSpace.ReplaceAllString(matchStrings[2], " "))
		out, err := ug.run(ctx, "ufw", "--force", "delete", ruleId)
		if err != nil {
			ug.logger.Errorf("ufw failed to delete rule '%s'. Cmd %s. Error: %s", rule, out, err)
			continue
		}
		ug.logger.Infof("ufw leftover rule '%s' deleted", rule)
		deleted++
	}
	return deleted, nil
}

func ufwRuleArgs(ip netip.Addr, port uint16) []string {
	return []string{"proto", "tcp", "from", ip.String(), "to", "any", "port", fmt.Sprint(port)}
}
