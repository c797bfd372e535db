package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"go4.org/netipx"

	"knock-gate/domain/gateway"
	"knock-gate/domain/knock"
	"knock-gate/domain/tracker"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultSequence       = "1234,5678,9012"
	DefaultProtectedPort  = 2222
	DefaultSequenceWindow = "10s"
	DefaultOpenDuration   = "30s"
	DefaultSweepInterval  = "1m"
)

// seconds in the longest time.Duration
const maxDurationSeconds = math.MaxInt64 / float64(time.Second)

var Props config

type config struct {
	Sequence       []int
	ProtectedPort  int
	SequenceWindow string
	OpenDuration   string
	SweepInterval  string
	MaxClients     int
	AllowedSources []string
	MetricsAddress string
	PurgeOnStart   bool
	Sources        []knock.SourceConfig
	Gateway        *gateway.GatewayConfig
}

// Settings is the validated form of the configuration.
type Settings struct {
	Sequence       []uint16
	ProtectedPort  uint16
	SequenceWindow time.Duration
	OpenDuration   time.Duration
	SweepInterval  time.Duration
	MaxClients     int
	AllowedSources *netipx.IPSet
	MetricsAddress string
	PurgeOnStart   bool
	Sources        []knock.SourceConfig
	Gateway        gateway.GatewayConfig
}

// Overrides holds command line values; empty fields leave the file value.
type Overrides struct {
	Sequence      string
	ProtectedPort int
	Window        string
	OpenDuration  string
	DryRun        bool
}

// Load reads a JSON config file. Comments and trailing commas are allowed.
func Load(configPath string) error {
	Props = defaults()
	if configPath == "" {
		return nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("open config failed. Error: %w", err)
	}
	err = json.Unmarshal(jsonc.ToJSON(data), &Props)
	if err != nil {
		return fmt.Errorf("load config failed. Error: %w", err)
	}
	return nil
}

func defaults() config {
	seq, _ := ParseSequence(DefaultSequence)
	ports := make([]int, len(seq))
	for i, p := range seq {
		ports[i] = int(p)
	}
	return config{
		Sequence:       ports,
		ProtectedPort:  DefaultProtectedPort,
		SequenceWindow: DefaultSequenceWindow,
		OpenDuration:   DefaultOpenDuration,
		SweepInterval:  DefaultSweepInterval,
		MaxClients:     tracker.DefaultMaxClients,
	}
}

// Apply merges command line overrides into Props.
func Apply(o Overrides) error {
	if o.Sequence != "" {
		seq, err := ParseSequence(o.Sequence)
		if err != nil {
			return err
		}
		Props.Sequence = Props.Sequence[:0]
		for _, p := range seq {
			Props.Sequence = append(Props.Sequence, int(p))
		}
	}
	if o.ProtectedPort != 0 {
		Props.ProtectedPort = o.ProtectedPort
	}
	if o.Window != "" {
		Props.SequenceWindow = o.Window
	}
	if o.OpenDuration != "" {
		Props.OpenDuration = o.OpenDuration
	}
	if o.DryRun {
		Props.Gateway = &gateway.GatewayConfig{Name: "dry-run", Type: gateway.MemoryGatewayType}
	}
	return nil
}

// ParseSequence parses a comma separated list of knock ports.
func ParseSequence(s string) ([]uint16, error) {
	var out []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: sequence port '%s' is not numeric", ErrInvalidConfig, f)
		}
		p, err := port("sequence port", n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate checks Props and returns the settings the app runs with.
func Validate() (Settings, error) {
	return Props.validate()
}

func (c config) validate() (Settings, error) {
	var s Settings
	if len(c.Sequence) == 0 {
		return s, fmt.Errorf("%w: empty knock sequence", ErrInvalidConfig)
	}
	for _, n := range c.Sequence {
		p, err := port("sequence port", n)
		if err != nil {
			return s, err
		}
		s.Sequence = append(s.Sequence, p)
	}
	var err error
	if s.ProtectedPort, err = port("protected port", c.ProtectedPort); err != nil {
		return s, err
	}
	if slices.Contains(s.Sequence, s.ProtectedPort) {
		return s, fmt.Errorf("%w: protected port %d is part of the knock sequence", ErrInvalidConfig, s.ProtectedPort)
	}
	if s.SequenceWindow, err = positiveDuration("sequence window", c.SequenceWindow); err != nil {
		return s, err
	}
	if s.OpenDuration, err = positiveDuration("open duration", c.OpenDuration); err != nil {
		return s, err
	}
	sweep := c.SweepInterval
	if sweep == "" {
		sweep = DefaultSweepInterval
	}
	if s.SweepInterval, err = positiveDuration("sweep interval", sweep); err != nil {
		return s, err
	}
	if c.MaxClients < 0 {
		return s, fmt.Errorf("%w: max clients must not be negative", ErrInvalidConfig)
	}
	s.MaxClients = c.MaxClients
	if s.MaxClients == 0 {
		s.MaxClients = tracker.DefaultMaxClients
	}
	if len(c.AllowedSources) > 0 {
		if s.AllowedSources, err = ipSet(c.AllowedSources); err != nil {
			return s, err
		}
	}
	s.MetricsAddress = strings.TrimSpace(c.MetricsAddress)
	s.PurgeOnStart = c.PurgeOnStart
	s.Sources = c.Sources
	if len(s.Sources) == 0 {
		s.Sources = []knock.SourceConfig{{Name: "knock", Type: knock.TcpListenerSourceType}}
	}
	if c.Gateway != nil {
		s.Gateway = *c.Gateway
	} else {
		s.Gateway = gateway.GatewayConfig{Name: "firewall", Type: gateway.IptablesGatewayType}
	}
	return s, nil
}

// Duplicates returns the ports that appear more than once in the sequence.
func (s Settings) Duplicates() []uint16 {
	seen := make(map[uint16]int)
	var dup []uint16
	for _, p := range s.Sequence {
		seen[p]++
		if seen[p] == 2 {
			dup = append(dup, p)
		}
	}
	return dup
}

func port(what string, n int) (uint16, error) {
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("%w: %s %d out of range 1-65535", ErrInvalidConfig, what, n)
	}
	return uint16(n), nil
}

func positiveDuration(what, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare numbers are seconds
		secs, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%w: invalid %s format '%s'", ErrInvalidConfig, what, v)
		}
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs >= maxDurationSeconds {
			return 0, fmt.Errorf("%w: %s '%s' out of range", ErrInvalidConfig, what, v)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got '%s'", ErrInvalidConfig, what, v)
	}
	return d, nil
}

func ipSet(sources []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if prefix, err := netip.ParsePrefix(src); err == nil {
			b.AddPrefix(prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(src); err == nil {
			b.Add(addr)
			continue
		}
		if r, err := netipx.ParseIPRange(src); err == nil {
			b.AddRange(r)
			continue
		}
		return nil, fmt.Errorf("%w: invalid allowed source '%s'", ErrInvalidConfig, src)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("%w: allowed sources. Error: %s", ErrInvalidConfig, err)
	}
	return set, nil
}
