package collie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/collie-robotics/collie/cdiscover"
	"github.com/collie-robotics/collie/csec"
	"github.com/collie-robotics/collie/csignal"
)

// MethodKind selects the network topology a session connects over.
type MethodKind uint8

const (
	// MethodLocalAP connects over the robot's own hotspot, where
	// the robot always has the same address.
	MethodLocalAP MethodKind = iota

	// MethodLocalSTA connects over a shared LAN, either to a given
	// address or by multicast discovery of a serial number.
	MethodLocalSTA

	// MethodRemote connects through the vendor relay using account
	// credentials.
	MethodRemote
)

func (k MethodKind) String() string {
	switch k {
	case MethodLocalAP:
		return "LocalAP"
	case MethodLocalSTA:
		return "LocalSTA"
	case MethodRemote:
		return "Remote"
	default:
		panic(fmt.Errorf("BUG: String called on invalid MethodKind %d", k))
	}
}

// localAPAddr is the robot's fixed address on its own hotspot.
const localAPAddr = "192.168.12.1"

// Method is one fully-parameterized connection method.
type Method struct {
	Kind MethodKind

	// IP is the robot's address, required for nothing: LocalAP
	// ignores it, LocalSTA discovers it from Serial when empty.
	IP string

	// Serial identifies the robot for LocalSTA discovery and for
	// Remote.
	Serial string

	// Username and Password are vendor account credentials, Remote
	// only.
	Username string
	Password string
}

func (m Method) validate() error {
	switch m.Kind {
	case MethodLocalAP:
		return nil
	case MethodLocalSTA:
		if m.IP == "" && m.Serial == "" {
			return errors.New("LocalSTA requires an IP or a Serial")
		}
		return nil
	case MethodRemote:
		var errs []error
		if m.Serial == "" {
			errs = append(errs, errors.New("Remote requires a Serial"))
		}
		if m.Username == "" || m.Password == "" {
			errs = append(errs, errors.New("Remote requires Username and Password"))
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unknown method kind %d", m.Kind)
	}
}

// NegotiatorConfig configures a [Negotiator].
type NegotiatorConfig struct {
	Log *slog.Logger

	// Dialer performs transport establishment.
	Dialer TransportDialer

	// Scanner performs LocalSTA discovery. Built on demand when
	// nil.
	Scanner *cdiscover.Scanner

	// Auth talks to the vendor API for Remote. Built on demand when
	// nil.
	Auth *csignal.Authenticator

	// NewLocalExchanger overrides local signaling construction, for
	// tests. The default builds a [csignal.LocalExchanger] against
	// the resolved address.
	NewLocalExchanger func(addr string, sec *csec.Context) csignal.Exchanger
}

func (c NegotiatorConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}
	if c.Dialer == nil {
		errs = append(errs, errors.New("Dialer may not be nil"))
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid NegotiatorConfig: %w", err))
	}
}

// Negotiator resolves a connection method to a live transport:
// address resolution, security context creation, signaling, and
// connectivity establishment. One Negotiator serves every attempt of
// one session.
type Negotiator struct {
	log *slog.Logger

	dialer  TransportDialer
	scanner *cdiscover.Scanner
	auth    *csignal.Authenticator

	newLocalExchanger func(string, *csec.Context) csignal.Exchanger
}

// NewNegotiator returns a Negotiator with the given configuration,
// panicking if the configuration is invalid.
func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	cfg.validate()

	n := &Negotiator{
		log: cfg.Log,

		dialer:  cfg.Dialer,
		scanner: cfg.Scanner,
		auth:    cfg.Auth,

		newLocalExchanger: cfg.NewLocalExchanger,
	}
	if n.newLocalExchanger == nil {
		n.newLocalExchanger = func(addr string, sec *csec.Context) csignal.Exchanger {
			return csignal.NewLocalExchanger(csignal.LocalExchangerConfig{
				Log:  cfg.Log.With("sys", "signal"),
				Addr: addr,
				Sec:  sec,
			})
		}
	}
	return n
}

// Negotiate performs one establishment attempt for the given method,
// reporting progress through onState. Failures are classified per
// the connection error taxonomy.
func (n *Negotiator) Negotiate(
	ctx context.Context, m Method, onState func(State),
) (Transport, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid connection method: %w", err)
	}
	observe := onState
	if observe == nil {
		observe = func(State) {}
	}

	observe(StateResolving)

	cfg := DialConfig{OnState: onState}

	switch m.Kind {
	case MethodLocalAP, MethodLocalSTA:
		addr := m.IP
		if m.Kind == MethodLocalAP {
			addr = localAPAddr
		} else if addr == "" {
			robot, err := n.discover(ctx, m.Serial)
			if err != nil {
				return nil, err
			}
			addr = robot.IP
		}

		sec, err := csec.NewContext()
		if err != nil {
			return nil, err
		}

		cfg.Exchanger = n.newLocalExchanger(addr, sec)
		if m.Kind == MethodLocalSTA {
			cfg.OfferID = "STA_localNetwork"
		}

	case MethodRemote:
		relayCfg, err := n.resolveRelay(ctx, m)
		if err != nil {
			return nil, err
		}
		cfg.Exchanger = relayCfg.Exchanger
		cfg.Token = relayCfg.Token
		cfg.ICEServers = relayCfg.ICEServers
	}

	t, err := n.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return t, nil
}

func (n *Negotiator) discover(ctx context.Context, serial string) (cdiscover.Robot, error) {
	if n.scanner == nil {
		n.scanner = cdiscover.NewScanner(cdiscover.ScannerConfig{
			Log: n.log.With("sys", "discover"),
		})
	}
	return n.scanner.Find(ctx, serial)
}

type relayConfig struct {
	Exchanger  csignal.Exchanger
	Token      string
	ICEServers []ICEServer
}

// resolveRelay authenticates with the vendor API and converts the
// issued relay account into dialer and exchanger configuration.
func (n *Negotiator) resolveRelay(ctx context.Context, m Method) (relayConfig, error) {
	if n.auth == nil {
		n.auth = csignal.NewAuthenticator(csignal.AuthenticatorConfig{
			Log: n.log.With("sys", "auth"),
		})
	}

	token, err := n.auth.Login(ctx, m.Username, m.Password)
	if err != nil {
		return relayConfig{}, classifyDialError(err)
	}

	acct, err := n.auth.FetchRelayAccount(ctx, token, m.Serial)
	if err != nil {
		return relayConfig{}, classifyDialError(err)
	}

	ex := csignal.NewRemoteExchanger(csignal.RemoteExchangerConfig{
		Log:    n.log.With("sys", "signal"),
		Auth:   n.auth,
		Serial: m.Serial,
		Token:  token,
		Relay:  &acct,
	})

	return relayConfig{
		Exchanger: ex,
		Token:     token,
		ICEServers: []ICEServer{{
			URLs:       []string{acct.Realm},
			Username:   acct.User,
			Credential: acct.Password,
		}},
	}, nil
}

// classifyDialError maps raw establishment failures onto the
// connection error taxonomy, leaving already-classified errors
// untouched.
func classifyDialError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSignalingRejected),
		errors.Is(err, ErrChannelTimeout),
		errors.Is(err, ErrDiscoveryTimeout),
		errors.Is(err, csignal.ErrDeviceOffline),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.As(err, new(*net.OpError)) {
		return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	return err
}
