package collie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/collie-robotics/collie/cdiscover"
	"github.com/collie-robotics/collie/cpubsub"
	"github.com/collie-robotics/collie/crouter"
	"github.com/collie-robotics/collie/csec"
	"github.com/collie-robotics/collie/csignal"
	"github.com/collie-robotics/collie/cvoxel"
	"github.com/collie-robotics/collie/cwire"
)

// DefaultLidarTopic is the topic the firmware publishes compressed
// voxel maps on.
const DefaultLidarTopic = "rt/utlidar/voxel_map_compressed"

// validationOK is the firmware's acknowledgement that the channel
// validation answer was accepted.
const validationOK = "Validation Ok."

// SessionConfig configures a [Session].
type SessionConfig struct {
	Log *slog.Logger

	// Method selects and parameterizes the connection topology.
	Method Method

	// Dialer defaults to [NewWebRTCDialer]; tests inject loopback
	// dialers.
	Dialer TransportDialer

	// Scanner and Auth override the negotiator's collaborators.
	Scanner *cdiscover.Scanner
	Auth    *csignal.Authenticator

	// NewLocalExchanger overrides local signaling construction, for
	// tests.
	NewLocalExchanger func(addr string, sec *csec.Context) csignal.Exchanger

	// ConnectTimeout bounds one whole establishment attempt.
	// Defaults to 30 seconds.
	ConnectTimeout time.Duration

	// ValidationTimeout bounds the wait for the firmware's
	// validation acknowledgement after the channel opens.
	// Defaults to 5 seconds.
	ValidationTimeout time.Duration

	// RequestTimeout and QueueDepth pass through to the router.
	RequestTimeout time.Duration
	QueueDepth     int

	// LidarTopic defaults to [DefaultLidarTopic]. Set to "-" to
	// disable LiDAR decoding entirely.
	LidarTopic string

	// DecoderBackend selects the voxel decoder implementation.
	DecoderBackend cvoxel.Backend

	// OnDecodeError observes per-frame LiDAR decode failures.
	// Decode failures never affect the session. May be nil.
	OnDecodeError func(topic string, err error)

	// KnownTopics passes through to the router's unknown-topic
	// logging.
	KnownTopics []string

	// AutoReconnect makes a Failed session retry establishment with
	// capped exponential backoff instead of staying down.
	AutoReconnect bool

	// BackoffFloor and BackoffCap bound reconnect delays.
	// Default to 1s and 30s.
	BackoffFloor time.Duration
	BackoffCap   time.Duration

	// ProbeInterval, DegradedAfter, and FailedAfter pass through to
	// the liveness monitor.
	ProbeInterval time.Duration
	DegradedAfter time.Duration
	FailedAfter   time.Duration

	// NetworkProbeInterval enables a periodic network-status inner
	// request. The sends do not count as application traffic, so a
	// robot that stops replying still degrades; the replies refresh
	// liveness like any inbound message. Zero disables the probe.
	NetworkProbeInterval time.Duration
}

func (c SessionConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}
	if err := c.Method.validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid SessionConfig: %w", err))
	}
}

// Session is one logical connection to a robot: it owns the
// transport, the router, the liveness monitor, and the reconnect
// loop, and is the only surface callers need.
//
// Publish, Request, Subscribe, and the media toggles are safe for
// concurrent use.
type Session struct {
	log *slog.Logger
	cfg SessionConfig

	id      uuid.UUID
	created time.Time

	negotiator *Negotiator
	decoder    cvoxel.Decoder

	stateMu     sync.Mutex
	state       State
	stateStream *cpubsub.Stream[State]

	robotErrs chan RobotError
	errStream *cpubsub.Stream[RobotError]

	mu         sync.Mutex
	att        *attempt
	subs       map[*TopicSubscription]struct{}
	connecting bool
	closed     bool

	rootCtx    context.Context
	rootCancel context.CancelCauseFunc

	wg sync.WaitGroup
}

// attempt is the per-establishment resource bundle. A reconnect
// replaces the whole bundle.
type attempt struct {
	transport Transport
	router    *crouter.Router
	ctrl      *controlHandler
	cancel    context.CancelCauseFunc
	health    chan Health
}

// TopicSubscription is a session-lifetime subscription handle: it
// survives reconnects, re-registering on each new channel.
type TopicSubscription struct {
	topic   string
	handler crouter.Handler

	cur *crouter.Subscription
}

// Topic reports the subscribed topic.
func (ts *TopicSubscription) Topic() string { return ts.topic }

// NewSession returns an idle Session for the given configuration,
// panicking if the configuration is invalid.
func NewSession(cfg SessionConfig) *Session {
	cfg.validate()

	if cfg.Dialer == nil {
		cfg.Dialer = NewWebRTCDialer(cfg.Log.With("sys", "transport"))
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ValidationTimeout == 0 {
		cfg.ValidationTimeout = 5 * time.Second
	}
	switch cfg.LidarTopic {
	case "":
		cfg.LidarTopic = DefaultLidarTopic
	case "-":
		cfg.LidarTopic = ""
	}
	if cfg.BackoffFloor == 0 {
		cfg.BackoffFloor = time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	s := &Session{
		log: cfg.Log,
		cfg: cfg,

		id:      uuid.New(),
		created: time.Now(),

		state:       StateIdle,
		stateStream: cpubsub.NewStream[State](),

		robotErrs: make(chan RobotError, 16),

		subs: make(map[*TopicSubscription]struct{}),

		rootCtx:    ctx,
		rootCancel: cancel,
	}
	s.errStream, _ = cpubsub.RunChannelToStream(ctx, s.robotErrs)

	if cfg.LidarTopic != "" {
		s.decoder = cvoxel.New(cfg.DecoderBackend)
	}

	s.negotiator = NewNegotiator(NegotiatorConfig{
		Log:               cfg.Log.With("sys", "negotiate"),
		Dialer:            cfg.Dialer,
		Scanner:           cfg.Scanner,
		Auth:              cfg.Auth,
		NewLocalExchanger: cfg.NewLocalExchanger,
	})

	return s
}

// ID is the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Created reports when the session object was built.
func (s *Session) Created() time.Time { return s.created }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// StateChanges returns a stream of lifecycle transitions. The stream
// is positioned at the next transition; use [cpubsub.Tail] to follow
// it.
func (s *Session) StateChanges() *cpubsub.Stream[State] {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.stateStream
}

// RobotErrors returns a stream of decoded firmware error reports.
// The stream starts at the first report received after the session
// was built; use [cpubsub.Tail] to skip to live reports.
func (s *Session) RobotErrors() *cpubsub.Stream[RobotError] {
	return s.errStream
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == next || s.state == StateClosed {
		return
	}
	s.log.Info("Session state changed", "from", s.state, "to", next)
	s.state = next
	s.stateStream.Publish(next)
	s.stateStream = s.stateStream.Next
}

// Connect establishes the session, blocking until it is Ready or the
// attempt fails with a classified error. On success the session
// supervises itself until Disconnect or an unrecoverable failure.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	// connecting also covers an auto-reconnect waiting out its
	// backoff, when no attempt is installed yet.
	if s.att != nil || s.connecting {
		s.mu.Unlock()
		return errors.New("session already connected")
	}
	s.connecting = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeoutCause(
		ctx, s.cfg.ConnectTimeout, ErrChannelTimeout,
	)
	defer cancel()

	att, err := s.establish(ctx)
	if err != nil {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
		s.setState(StateFailed)
		return err
	}

	s.adopt(att)
	return nil
}

// establish runs one full attempt: negotiate, route, validate.
func (s *Session) establish(ctx context.Context) (*attempt, error) {
	transport, err := s.negotiator.Negotiate(ctx, s.cfg.Method, s.setState)
	if err != nil {
		return nil, err
	}

	attCtx, attCancel := context.WithCancelCause(s.rootCtx)

	ctrl := &controlHandler{
		log:       s.log.With("sys", "control"),
		ch:        transport.Channel(),
		errs:      s.robotErrs,
		validated: make(chan struct{}),
	}

	router := crouter.NewRouter(attCtx, crouter.RouterConfig{
		Log:     s.log.With("sys", "router"),
		Channel: transport.Channel(),
		Inbound: transport.Inbound(),

		RequestTimeout: s.cfg.RequestTimeout,
		QueueDepth:     s.cfg.QueueDepth,

		LidarTopic:    s.cfg.LidarTopic,
		Decoder:       s.decoder,
		OnDecodeError: s.cfg.OnDecodeError,
		OnControl:     ctrl.handle,
		KnownTopics:   s.cfg.KnownTopics,
	})

	fail := func(err error) (*attempt, error) {
		attCancel(err)
		transport.Close()
		router.Wait()
		return nil, err
	}

	s.setState(StateValidating)

	vt := time.NewTimer(s.cfg.ValidationTimeout)
	defer vt.Stop()
	select {
	case <-ctrl.validated:
	case <-vt.C:
		return fail(ErrValidationFailed)
	case <-transport.Closed():
		return fail(fmt.Errorf("transport lost during validation: %w", transport.Err()))
	case <-ctx.Done():
		return fail(context.Cause(ctx))
	}

	s.setState(StateReady)

	att := &attempt{
		transport: transport,
		router:    router,
		ctrl:      ctrl,
		cancel:    attCancel,
		health:    make(chan Health, 4),
	}

	NewMonitor(attCtx, MonitorConfig{
		Log: s.log.With("sys", "liveness"),

		ProbeInterval: s.cfg.ProbeInterval,
		DegradedAfter: s.cfg.DegradedAfter,
		FailedAfter:   s.cfg.FailedAfter,

		Probe: router.SendProbe,
		LastActivity: func() time.Time {
			in, out := router.LastInbound(), router.LastOutbound()
			if out.After(in) {
				return out
			}
			return in
		},
		OnTransition: func(h Health) {
			select {
			case att.health <- h:
			case <-attCtx.Done():
			}
		},
	})

	if s.cfg.NetworkProbeInterval > 0 {
		go s.networkProbes(attCtx, router)
	}

	return att, nil
}

// networkProbes periodically fetches the robot's network status so
// that an otherwise idle session still exchanges traffic the
// liveness monitor can observe.
func (s *Session) networkProbes(ctx context.Context, r *crouter.Router) {
	tick := time.NewTicker(s.cfg.NetworkProbeInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		_, err := r.RequestInnerQuiet(ctx, "public_network_status", nil)
		if err != nil && ctx.Err() == nil {
			s.log.Debug("Network status probe failed", "err", err)
		}
	}
}

// adopt installs a fresh attempt, re-registers surviving
// subscriptions, and starts supervision.
func (s *Session) adopt(att *attempt) {
	s.mu.Lock()
	s.att = att
	s.connecting = false
	for ts := range s.subs {
		cur, err := att.router.Subscribe(ts.topic, ts.handler)
		if err != nil {
			s.log.Info(
				"Failed to re-register subscription",
				"topic", ts.topic, "err", err,
			)
			continue
		}
		ts.cur = cur
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(att)
}

// supervise watches one attempt until it fails or the session
// closes, then drives reconnection if configured.
func (s *Session) supervise(att *attempt) {
	defer s.wg.Done()

	for {
		select {
		case <-s.rootCtx.Done():
			s.teardown(att, context.Cause(s.rootCtx))
			return

		case <-att.transport.Closed():
			s.log.Info("Transport lost", "err", att.transport.Err())
			s.failAndMaybeReconnect(att)
			return

		case h := <-att.health:
			switch h {
			case HealthAlive:
				s.setState(StateReady)
			case HealthDegraded:
				s.setState(StateDegraded)
			case HealthFailed:
				s.failAndMaybeReconnect(att)
				return
			}
		}
	}
}

func (s *Session) failAndMaybeReconnect(att *attempt) {
	if s.cfg.AutoReconnect {
		// Holds off concurrent Connect calls through the whole
		// backoff and retry sequence. Set before StateFailed is
		// published so an observer reacting to the transition
		// cannot slip in a competing establishment.
		s.mu.Lock()
		s.connecting = true
		s.mu.Unlock()
	}

	s.setState(StateFailed)
	s.teardown(att, errors.New("session failed"))

	if !s.cfg.AutoReconnect {
		return
	}

	s.wg.Add(1)
	go s.reconnect()
}

// reconnect retries establishment with capped exponential backoff
// until it succeeds or the session closes.
func (s *Session) reconnect() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	backoff := s.cfg.BackoffFloor
	for tries := 1; ; tries++ {
		s.log.Info("Waiting before reconnect attempt", "try", tries, "backoff", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-s.rootCtx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeoutCause(
			s.rootCtx, s.cfg.ConnectTimeout, ErrChannelTimeout,
		)
		att, err := s.establish(ctx)
		cancel()

		if err == nil {
			s.adopt(att)
			return
		}
		if s.rootCtx.Err() != nil {
			return
		}
		if errors.Is(err, ErrValidationFailed) {
			// Authentication failures are not retried blindly; the
			// caller should re-check key material.
			s.log.Warn("Reconnect abandoned", "err", err)
			s.setState(StateFailed)
			return
		}

		s.log.Info("Reconnect attempt failed", "try", tries, "err", err)
		s.setState(StateFailed)

		backoff *= 2
		if backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
	}
}

// teardown releases one attempt's resources and detaches it from the
// session.
func (s *Session) teardown(att *attempt, cause error) {
	att.cancel(cause)
	att.transport.Close()
	att.router.Wait()

	s.mu.Lock()
	if s.att == att {
		s.att = nil
	}
	for ts := range s.subs {
		ts.cur = nil
	}
	s.mu.Unlock()
}

// Disconnect tears the session down for good: the receive loop
// stops, outstanding requests reject, and no reconnect follows. It
// is idempotent and safe to call concurrently with in-flight sends.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.rootCancel(ErrSessionClosed)
	s.wg.Wait()

	// The supervisor handles teardown when running; cover sessions
	// that never connected or already failed.
	s.mu.Lock()
	att := s.att
	s.att = nil
	s.mu.Unlock()
	if att != nil {
		s.teardown(att, ErrSessionClosed)
	}

	s.setStateClosed()
}

func (s *Session) setStateClosed() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.log.Info("Session state changed", "from", s.state, "to", StateClosed)
	s.state = StateClosed
	s.stateStream.Publish(StateClosed)
	s.stateStream = s.stateStream.Next
}

// Wait blocks until all session goroutines have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) currentRouter() (*crouter.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.att == nil {
		return nil, errors.New("session not connected")
	}
	return s.att.router, nil
}

// Publish sends a fire-and-forget message on a topic.
func (s *Session) Publish(topic string, data any) error {
	r, err := s.currentRouter()
	if err != nil {
		return err
	}
	return r.Publish(topic, data)
}

// Request sends a correlated request for an API function and blocks
// for its response.
func (s *Session) Request(
	ctx context.Context, topic string, apiID int64, parameter any,
) (cwire.Envelope, error) {
	r, err := s.currentRouter()
	if err != nil {
		return cwire.Envelope{}, err
	}
	return r.Request(ctx, topic, apiID, parameter)
}

// Subscribe registers a handler for a topic. The subscription lives
// for the session's lifetime, surviving reconnects, until
// [Session.Unsubscribe].
func (s *Session) Subscribe(topic string, h crouter.Handler) (*TopicSubscription, error) {
	ts := &TopicSubscription{topic: topic, handler: h}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	s.subs[ts] = struct{}{}

	if s.att != nil {
		cur, err := s.att.router.Subscribe(topic, h)
		if err != nil {
			delete(s.subs, ts)
			return nil, err
		}
		ts.cur = cur
	}
	return ts, nil
}

// Unsubscribe removes exactly the handler behind ts; other
// subscriptions on the same topic are unaffected.
func (s *Session) Unsubscribe(ts *TopicSubscription) {
	s.mu.Lock()
	delete(s.subs, ts)
	cur := ts.cur
	ts.cur = nil
	att := s.att
	s.mu.Unlock()

	if cur != nil && att != nil {
		att.router.Unsubscribe(cur)
	}
}

// DisableTrafficSaving toggles the firmware's bandwidth limiter.
// Disabling it is required before subscribing to high-rate topics
// like the LiDAR voxel map.
func (s *Session) DisableTrafficSaving(ctx context.Context, disable bool) error {
	r, err := s.currentRouter()
	if err != nil {
		return err
	}

	instruction := "off"
	if disable {
		instruction = "on"
	}
	resp, err := r.RequestInner(ctx, "disable_traffic_saving", map[string]any{
		"instruction": instruction,
	})
	if err != nil {
		return err
	}

	var info struct {
		Execution string `json:"execution"`
	}
	if err := json.Unmarshal(resp.Info, &info); err != nil || info.Execution != "ok" {
		return fmt.Errorf("traffic saving toggle not executed: %s", resp.Info)
	}
	return nil
}

// NetworkStatus asks the robot how it is connected to the network,
// returning the raw status document.
func (s *Session) NetworkStatus(ctx context.Context) (json.RawMessage, error) {
	r, err := s.currentRouter()
	if err != nil {
		return nil, err
	}

	resp, err := r.RequestInner(ctx, "public_network_status", nil)
	if err != nil {
		return nil, err
	}
	return resp.Info, nil
}

// HeartbeatStats is heartbeat bookkeeping for the current
// connection.
type HeartbeatStats struct {
	// Count is how many heartbeat responses have arrived since the
	// connection was established.
	Count int64

	// Last is when the most recent response arrived, zero if none
	// has.
	Last time.Time

	// Fresh reports whether a response arrived since the previous
	// HeartbeatStats call; reading it clears the flag.
	Fresh bool
}

// HeartbeatStats reports heartbeat bookkeeping for the current
// connection, zero when disconnected.
func (s *Session) HeartbeatStats() HeartbeatStats {
	s.mu.Lock()
	att := s.att
	s.mu.Unlock()
	if att == nil {
		return HeartbeatStats{}
	}

	var last time.Time
	if ns := att.ctrl.lastBeat.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return HeartbeatStats{
		Count: att.ctrl.heartbeats.Load(),
		Last:  last,
		Fresh: att.ctrl.freshBeat.Swap(false),
	}
}

// SwitchVideo turns the robot's video track on or off.
func (s *Session) SwitchVideo(on bool) error {
	return s.switchMedia(cwire.TypeVideo, on)
}

// SwitchAudio turns the robot's audio track on or off.
func (s *Session) SwitchAudio(on bool) error {
	return s.switchMedia(cwire.TypeAudio, on)
}

func (s *Session) switchMedia(typ string, on bool) error {
	r, err := s.currentRouter()
	if err != nil {
		return err
	}

	state := "off"
	if on {
		state = "on"
	}
	return r.PublishType(typ, "", state)
}

// controlHandler answers validation challenges, keeps heartbeat
// bookkeeping, and decodes firmware error reports. It sends directly
// on the data channel because it may run before the router handle is
// published to the session.
type controlHandler struct {
	log  *slog.Logger
	ch   crouter.Channel
	errs chan<- RobotError

	once      sync.Once
	validated chan struct{}

	heartbeats atomic.Int64
	lastBeat   atomic.Int64 // Unix nanoseconds
	freshBeat  atomic.Bool
}

func (c *controlHandler) handle(env cwire.Envelope) {
	switch env.Type {
	case cwire.TypeValidation:
		c.handleValidation(env)

	case cwire.TypeHeartbeat:
		c.heartbeats.Add(1)
		c.lastBeat.Store(time.Now().UnixNano())
		c.freshBeat.Store(true)

	case cwire.TypeErrors, cwire.TypeAddError, cwire.TypeRemoveError:
		c.handleErrorReport(env)

	case cwire.TypeError:
		c.log.Warn("Robot reported channel error", "data", string(env.Data))
	}
}

func (c *controlHandler) handleErrorReport(env cwire.Envelope) {
	entries, err := parseRobotErrors(env)
	if err != nil {
		c.log.Warn(
			"Robot sent undecodable error report",
			"type", env.Type, "err", err, "data", string(env.Data),
		)
		return
	}

	for _, re := range entries {
		c.log.Warn(
			"Robot reported error state change",
			"change", re.Change,
			"source", re.SourceText,
			"code", re.CodeText,
		)
		select {
		case c.errs <- re:
		default:
			// Runs on the receive loop, so it must not block on a
			// stalled stream pump.
			c.log.Warn("Error report stream full, dropping entry")
		}
	}
}

func (c *controlHandler) handleValidation(env cwire.Envelope) {
	challenge, ok := cwire.DataString(env)
	if !ok {
		c.log.Info("Ignoring malformed validation message")
		return
	}

	if challenge == validationOK {
		c.once.Do(func() { close(c.validated) })
		return
	}

	answer, err := cwire.NewEnvelope(
		cwire.TypeValidation, "", csec.ValidationDigest(challenge),
	)
	if err != nil {
		c.log.Warn("Failed to build validation answer", "err", err)
		return
	}
	b, err := answer.Marshal()
	if err != nil {
		c.log.Warn("Failed to encode validation answer", "err", err)
		return
	}
	if err := c.ch.SendText(string(b)); err != nil {
		c.log.Warn("Failed to send validation answer", "err", err)
	}
}
