package knock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Murilovisque/logs/v3"
	"github.com/nxadm/tail"

	"knock-gate/domain/clock"
)

// DefaultKnockLogRegex matches the SYN lines written by an iptables LOG rule,
// e.g. `iptables -A INPUT -p tcp --syn -m multiport --dports 1234,5678 -j LOG --log-prefix "knock: "`.
const DefaultKnockLogRegex = `SRC=(?P<ip>[0-9A-Fa-f:.]+) .*PROTO=TCP .*DPT=(?P<port>[0-9]+) .*SYN`

func NewRegexTailFileSource() *RegexTailFileSource {
	return &RegexTailFileSource{
		name:         string(RegexTailFileSourceType),
		clock:        clock.Real{},
		chStopSignal: make(chan bool),
		chStopped:    make(chan bool),
		logger:       logs.NewChildLogger(logs.FixedFieldValue("source", string(RegexTailFileSourceType))),
	}
}

// RegexTailFileSource reads knocks from a log written by the packet filter, so
// the knock ports themselves can stay closed.
type RegexTailFileSource struct {
	name         string
	file         string
	poll         bool
	regex        *regexp.Regexp
	ipIndex      int
	portIndex    int
	tailedFile   *tail.Tail
	ports        []uint16
	clock        clock.Clock
	binders      []KnockBinder
	chStopSignal chan bool
	chStopped    chan bool
	logger       logs.Logger
}

type regexTailFileJson struct {
	File  string
	Regex string
	Poll  bool
}

func (rs *RegexTailFileSource) GetName() string {
	return rs.name
}

func (rs *RegexTailFileSource) AddBinder(b KnockBinder) {
	rs.binders = append(rs.binders, b)
}

func (rs *RegexTailFileSource) DecodeConfig(c SourceConfig) error {
	var rj regexTailFileJson
	err := json.Unmarshal(c.Specification, &rj)
	if err != nil {
		return fmt.Errorf("source '%s', fail to decode. Error: %w", c.Name, err)
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("source with empty name")
	}
	if strings.TrimSpace(rj.File) == "" {
		return fmt.Errorf("source '%s', empty file", c.Name)
	}
	if rj.Regex == "" {
		rj.Regex = DefaultKnockLogRegex
	}
	rs.regex, err = regexp.Compile(rj.Regex)
	if err != nil {
		return fmt.Errorf("source '%s', invalid regex '%s'", c.Name, rj.Regex)
	}
	rs.ipIndex = rs.regex.SubexpIndex("ip")
	rs.portIndex = rs.regex.SubexpIndex("port")
	if rs.ipIndex < 0 || rs.portIndex < 0 {
		return fmt.Errorf("source '%s', regex must have the named groups 'ip' and 'port'", c.Name)
	}
	rs.name = c.Name
	rs.file = rj.File
	rs.poll = rj.Poll
	rs.logger = logs.NewChildLogger(logs.FixedFieldValue("source", rs.name))
	rs.logger.Info("regex tail file source config loaded")
	return nil
}

func (rs *RegexTailFileSource) Start(sequence []uint16) error {
	var err error
	rs.ports = uniquePorts(sequence)
	rs.tailedFile, err = tail.TailFile(rs.file, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      rs.poll,
		Logger:    tail.DiscardingLogger,
		Location: &tail.SeekInfo{
			Offset: 0,
			Whence: io.SeekEnd,
		},
	})
	if err != nil {
		return fmt.Errorf("source '%s', fail to tail the file '%s'. Error: %w", rs.name, rs.file, err)
	}
	go func() {
		rs.logger.Infof("regex tail file source started on '%s'", rs.file)
		for {
			select {
			case line, ok := <-rs.tailedFile.Lines:
				if !ok {
					<-rs.chStopSignal
					rs.chStopped <- true
					return
				}
				if line.Err != nil {
					rs.logger.Errorf("tail of '%s' failed. Error: %s", rs.file, line.Err)
					continue
				}
				if ev, ok := rs.parse(line.Text); ok {
					for _, b := range rs.binders {
						b.ListenKnock(ev)
					}
				}
			case <-rs.chStopSignal:
				rs.chStopped <- true
				return
			}
		}
	}()
	return nil
}

// parse extracts a knock from a log line. Lines for ports outside the
// sequence are ignored.
func (rs *RegexTailFileSource) parse(text string) (Event, bool) {
	m := rs.regex.FindStringSubmatch(text)
	if m == nil {
		return Event{}, false
	}
	ip, err := netip.ParseAddr(m[rs.ipIndex])
	if err != nil {
		rs.logger.Errorf("knock log line with invalid IP '%s'", m[rs.ipIndex])
		return Event{}, false
	}
	port, err := strconv.ParseUint(m[rs.portIndex], 10, 16)
	if err != nil {
		rs.logger.Errorf("knock log line with invalid port '%s'", m[rs.portIndex])
		return Event{}, false
	}
	if !slices.Contains(rs.ports, uint16(port)) {
		return Event{}, false
	}
	return Event{IP: ip.Unmap(), Port: uint16(port), At: rs.clock.Now()}, true
}

func (rs *RegexTailFileSource) StopAndWait() error {
	if rs.tailedFile == nil {
		return nil
	}
	rs.chStopSignal <- true
	close(rs.chStopSignal)
	<-rs.chStopped
	close(rs.chStopped)
	return rs.tailedFile.Stop()
}
