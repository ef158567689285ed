package cdiscover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// ErrNotFound indicates the scan window closed without the requested
// robot answering.
var ErrNotFound = errors.New("robot did not answer discovery query")

// Robot is one discovery answer.
type Robot struct {
	Serial string `json:"sn"`
	IP     string `json:"ip"`
}

// queryName is the well-known payload robots answer to.
const queryName = "unitree_dapengche"

// ScannerConfig configures a [Scanner].
type ScannerConfig struct {
	Log *slog.Logger

	// Group is the multicast group queries are sent to.
	// Defaults to 231.1.1.1.
	Group net.IP

	// QueryPort is the group port queries are sent to.
	// Defaults to 10131.
	QueryPort int

	// ListenPort is the local UDP port answers arrive on.
	// Defaults to 10134.
	ListenPort int

	// Window bounds one scan. Defaults to 3 seconds.
	Window time.Duration

	// QueryInterval is the period between repeated queries within a
	// window. Defaults to 500ms.
	QueryInterval time.Duration
}

func (c ScannerConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid ScannerConfig: %w", err))
	}
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if c.Group == nil {
		c.Group = net.IPv4(231, 1, 1, 1)
	}
	if c.QueryPort == 0 {
		c.QueryPort = 10131
	}
	if c.ListenPort == 0 {
		c.ListenPort = 10134
	}
	if c.Window == 0 {
		c.Window = 3 * time.Second
	}
	if c.QueryInterval == 0 {
		c.QueryInterval = 500 * time.Millisecond
	}
	return c
}

// Scanner performs multicast discovery scans.
type Scanner struct {
	log *slog.Logger
	cfg ScannerConfig
}

// NewScanner returns a Scanner with the given configuration,
// panicking if the configuration is invalid.
func NewScanner(cfg ScannerConfig) *Scanner {
	cfg.validate()
	cfg = cfg.withDefaults()

	return &Scanner{
		log: cfg.Log,
		cfg: cfg,
	}
}

// Scan multicasts discovery queries and collects answers until the
// window elapses or ctx is canceled. Each robot appears at most once
// in the result, keyed by serial number.
func (s *Scanner) Scan(ctx context.Context) ([]Robot, error) {
	found := make(map[string]Robot)
	err := s.scan(ctx, func(r Robot) bool {
		if _, ok := found[r.Serial]; !ok {
			found[r.Serial] = r
			s.log.Info("Discovered robot", "serial", r.Serial, "ip", r.IP)
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	out := make([]Robot, 0, len(found))
	for _, r := range found {
		out = append(out, r)
	}
	return out, nil
}

// Find resolves one serial number to its answered address. It returns
// early on the first matching answer and [ErrNotFound] if the window
// closes without one.
func (s *Scanner) Find(ctx context.Context, serial string) (Robot, error) {
	var match Robot
	var ok bool
	err := s.scan(ctx, func(r Robot) bool {
		if r.Serial == serial {
			match, ok = r, true
			return true
		}
		return false
	})
	if err != nil {
		return Robot{}, err
	}
	if !ok {
		return Robot{}, fmt.Errorf("discovering %q: %w", serial, ErrNotFound)
	}
	return match, nil
}

// scan drives one discovery window, invoking onAnswer for every
// well-formed answer. Returning true from onAnswer ends the window
// early.
func (s *Scanner) scan(ctx context.Context, onAnswer func(Robot) bool) error {
	recv, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("listening for discovery answers: %w", err)
	}
	defer recv.Close()

	// Joining the group is best-effort per interface; robots answer
	// with unicast datagrams so a failed join on a secondary
	// interface does not abort the scan.
	p := ipv4.NewPacketConn(recv)
	group := &net.UDPAddr{IP: s.cfg.Group}
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := p.JoinGroup(iface, group); err != nil {
			s.log.Debug(
				"Failed to join discovery group on interface",
				"iface", iface.Name, "err", err,
			)
		}
	}

	send, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   s.cfg.Group,
		Port: s.cfg.QueryPort,
	})
	if err != nil {
		return fmt.Errorf("dialing discovery group: %w", err)
	}
	defer send.Close()

	query, err := json.Marshal(map[string]string{"name": queryName})
	if err != nil {
		panic(fmt.Errorf(
			"IMPOSSIBLE: failed to marshal discovery query: %w", err,
		))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Window)
	defer cancel()

	// Re-sending the query within the window covers robots that were
	// mid-boot or dropped the first datagram.
	sendErr := make(chan error, 1)
	go func() {
		t := time.NewTicker(s.cfg.QueryInterval)
		defer t.Stop()
		for {
			if _, err := send.Write(query); err != nil {
				sendErr <- fmt.Errorf("sending discovery query: %w", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// Query again.
			}
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending read.
			_ = recv.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := recv.ReadFromUDP(buf)
		if err != nil {
			select {
			case se := <-sendErr:
				return se
			default:
			}
			if ctx.Err() != nil {
				// Window closed normally.
				return nil
			}
			return fmt.Errorf("reading discovery answer: %w", err)
		}

		var r Robot
		if err := json.Unmarshal(buf[:n], &r); err != nil || r.Serial == "" {
			s.log.Debug(
				"Ignoring malformed discovery answer",
				"from", addr, "err", err,
			)
			continue
		}
		if r.IP == "" {
			r.IP = addr.IP.String()
		}

		if onAnswer(r) {
			return nil
		}
	}
}
