package knock

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"
)

type SourceType string

const (
	TcpListenerSourceType   SourceType = "TCP_LISTENER"
	RegexTailFileSourceType SourceType = "REGEX_TAIL_FILE"
)

type SourceConfig struct {
	Name          string
	Type          SourceType
	Specification json.RawMessage
}

// Source observes connection attempts on knock ports and hands each one to
// its binders.
type Source interface {
	GetName() string
	DecodeConfig(c SourceConfig) error
	AddBinder(b KnockBinder)
	Start(sequence []uint16) error
	StopAndWait() error
}

// Event is one knock.
type Event struct {
	IP   netip.Addr
	Port uint16
	At   time.Time
}

// KnockBinder receives knocks synchronously from the source goroutine, so it
// must not block.
type KnockBinder interface {
	ListenKnock(ev Event)
}

// New builds an unconfigured source of type t.
func New(t SourceType) (Source, error) {
	switch t {
	case TcpListenerSourceType:
		return NewTcpListenerSource(), nil
	case RegexTailFileSourceType:
		return NewRegexTailFileSource(), nil
	default:
		return nil, fmt.Errorf("invalid source type '%s'", t)
	}
}

// BindError reports a knock port that could not be bound. It only affects
// that port.
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind knock port %d failed. Error: %s", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

func uniquePorts(sequence []uint16) []uint16 {
	seen := make(map[uint16]bool, len(sequence))
	var out []uint16
	for _, p := range sequence {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
