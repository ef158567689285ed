package crouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/collie-robotics/collie/cvoxel"
	"github.com/collie-robotics/collie/cwire"
)

// ErrClosed is returned from operations on a router whose receive
// loop has stopped.
var ErrClosed = errors.New("router closed")

// ErrRequestTimeout indicates a correlated request's window elapsed
// with no matching response.
var ErrRequestTimeout = errors.New("request timed out")

// Channel is the send surface the router needs from a data channel.
// It is the method set a WebRTC data channel already provides.
type Channel interface {
	SendText(string) error
	Send([]byte) error
}

// Message is one raw inbound data-channel message.
type Message struct {
	Binary bool
	Data   []byte
}

// controlTypes are envelope types handled by the connection layer
// rather than topic subscribers.
var controlTypes = map[string]struct{}{
	cwire.TypeValidation:  {},
	cwire.TypeHeartbeat:   {},
	cwire.TypeError:       {},
	cwire.TypeErrors:      {},
	cwire.TypeAddError:    {},
	cwire.TypeRemoveError: {},
	cwire.TypeInnerReq:    {},
	cwire.TypeReport:      {},
}

// RouterConfig configures a [Router].
type RouterConfig struct {
	Log *slog.Logger

	// Channel sends outbound messages.
	Channel Channel

	// Inbound feeds the receive loop. The channel producer owns it;
	// the router stops when its context is canceled, not when
	// Inbound closes.
	Inbound <-chan Message

	// RequestTimeout bounds each correlated request.
	// Defaults to 10 seconds.
	RequestTimeout time.Duration

	// QueueDepth bounds each subscription's delivery queue.
	// Defaults to 32.
	QueueDepth int

	// LidarTopic selects the topic whose payloads run through
	// Decoder before delivery. Empty disables decoding.
	LidarTopic string

	// Decoder decodes LiDAR payloads. Required when LidarTopic is
	// set.
	Decoder cvoxel.Decoder

	// OnControl observes control envelopes (validation, heartbeat,
	// and firmware error reports). May be nil. Runs on the receive
	// loop, so it must not block.
	OnControl func(cwire.Envelope)

	// OnDecodeError observes per-frame decode failures. May be nil.
	OnDecodeError func(topic string, err error)

	// KnownTopics, when non-empty, is the set of topics the caller
	// expects to use. Traffic on other topics still routes, but is
	// logged once per topic.
	KnownTopics []string
}

func (c RouterConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}
	if c.Channel == nil {
		errs = append(errs, errors.New("Channel may not be nil"))
	}
	if c.Inbound == nil {
		errs = append(errs, errors.New("Inbound may not be nil"))
	}
	if c.LidarTopic != "" && c.Decoder == nil {
		errs = append(errs, errors.New("Decoder may not be nil when LidarTopic is set"))
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid RouterConfig: %w", err))
	}
}

// Router owns one data channel's receive loop, resolving correlated
// requests and fanning everything else out to topic subscribers.
type Router struct {
	log *slog.Logger
	ch  Channel

	requestTimeout time.Duration
	queueDepth     int
	lidarTopic     string
	decoder        cvoxel.Decoder
	onControl      func(cwire.Envelope)
	onDecodeError  func(string, error)
	knownTopics    map[string]struct{}

	mu       sync.Mutex
	pending  map[string]chan cwire.Envelope
	chunks   map[string]*chunkState
	subs     map[string][]*Subscription
	unlisted map[string]struct{}

	nextID atomic.Int64

	// Unix nanoseconds; zero means no traffic yet.
	lastInbound  atomic.Int64
	lastOutbound atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

type chunkState struct {
	// parts is indexed by chunk_index; unreceived slots are nil.
	parts    [][]byte
	received int
}

// NewRouter starts a router's receive loop against the given
// configuration, panicking if the configuration is invalid. The
// router runs until ctx is canceled.
func NewRouter(ctx context.Context, cfg RouterConfig) *Router {
	cfg.validate()

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 32
	}

	r := &Router{
		log: cfg.Log,
		ch:  cfg.Channel,

		requestTimeout: cfg.RequestTimeout,
		queueDepth:     cfg.QueueDepth,
		lidarTopic:     cfg.LidarTopic,
		decoder:        cfg.Decoder,
		onControl:      cfg.OnControl,
		onDecodeError:  cfg.OnDecodeError,

		pending:  make(map[string]chan cwire.Envelope),
		chunks:   make(map[string]*chunkState),
		subs:     make(map[string][]*Subscription),
		unlisted: make(map[string]struct{}),

		done: make(chan struct{}),
	}
	if len(cfg.KnownTopics) > 0 {
		r.knownTopics = make(map[string]struct{}, len(cfg.KnownTopics))
		for _, t := range cfg.KnownTopics {
			r.knownTopics[t] = struct{}{}
		}
	}

	// Request ids only need to be unique while outstanding, but
	// seeding from the clock keeps them unique across reconnects of
	// the same robot too.
	r.nextID.Store(time.Now().UnixMilli())

	r.wg.Add(1)
	go r.receive(ctx, cfg.Inbound)

	return r
}

// Wait blocks until the receive loop and all subscription delivery
// goroutines have finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

// LastInbound reports when the last inbound message arrived, zero if
// none has.
func (r *Router) LastInbound() time.Time {
	return stampTime(r.lastInbound.Load())
}

// LastOutbound reports when the caller last sent application
// traffic. Probes are excluded so that heartbeats do not mask an
// otherwise silent session.
func (r *Router) LastOutbound() time.Time {
	return stampTime(r.lastOutbound.Load())
}

func stampTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Publish sends a fire-and-forget message on a topic. A non-nil data
// is JSON-encoded as the payload.
func (r *Router) Publish(topic string, data any) error {
	return r.PublishType(cwire.TypeMsg, topic, data)
}

// PublishType sends a fire-and-forget envelope of an explicit type,
// for control traffic like validation answers and media toggles.
func (r *Router) PublishType(typ, topic string, data any) error {
	r.noteTopic(topic)

	env, err := cwire.NewEnvelope(typ, topic, data)
	if err != nil {
		return err
	}
	if err := r.send(env); err != nil {
		return err
	}

	r.lastOutbound.Store(time.Now().UnixNano())
	return nil
}

// Request sends a correlated request for the given API function and
// blocks until the matching response arrives, the request window
// elapses, or ctx is canceled.
func (r *Router) Request(
	ctx context.Context, topic string, apiID int64, parameter any,
) (cwire.Envelope, error) {
	r.noteTopic(topic)

	id := r.nextID.Add(1)
	req, err := cwire.NewRequest(id, apiID, parameter)
	if err != nil {
		return cwire.Envelope{}, err
	}
	env, err := cwire.NewEnvelope(cwire.TypeRequest, topic, req)
	if err != nil {
		return cwire.Envelope{}, err
	}

	key := strconv.FormatInt(id, 10)
	return r.sendAndAwait(ctx, key, env, true)
}

// RequestInner sends a correlated internal request (traffic-saving
// toggles, network status probes) of type rtc_inner_req. Correlation
// runs on a generated uuid rather than a request identity.
func (r *Router) RequestInner(
	ctx context.Context, reqType string, extra map[string]any,
) (cwire.Envelope, error) {
	return r.requestInner(ctx, reqType, extra, true)
}

// RequestInnerQuiet is RequestInner for background status probes:
// the send does not count as application traffic, so only the
// robot's reply refreshes liveness.
func (r *Router) RequestInnerQuiet(
	ctx context.Context, reqType string, extra map[string]any,
) (cwire.Envelope, error) {
	return r.requestInner(ctx, reqType, extra, false)
}

func (r *Router) requestInner(
	ctx context.Context, reqType string, extra map[string]any, markOutbound bool,
) (cwire.Envelope, error) {
	data := map[string]any{
		"req_type": reqType,
		"uuid":     uuid.NewString(),
	}
	for k, v := range extra {
		data[k] = v
	}

	env, err := cwire.NewEnvelope(cwire.TypeInnerReq, "", data)
	if err != nil {
		return cwire.Envelope{}, err
	}

	return r.sendAndAwait(ctx, data["uuid"].(string), env, markOutbound)
}

func (r *Router) sendAndAwait(
	ctx context.Context, key string, env cwire.Envelope, markOutbound bool,
) (cwire.Envelope, error) {
	resp := make(chan cwire.Envelope, 1)

	r.mu.Lock()
	if _, exists := r.pending[key]; exists {
		r.mu.Unlock()
		panic(fmt.Errorf(
			"IMPOSSIBLE: duplicate pending request key %q", key,
		))
	}
	r.pending[key] = resp
	r.mu.Unlock()

	if err := r.send(env); err != nil {
		r.dropPending(key)
		return cwire.Envelope{}, err
	}
	if markOutbound {
		r.lastOutbound.Store(time.Now().UnixNano())
	}

	timer := time.NewTimer(r.requestTimeout)
	defer timer.Stop()

	select {
	case e := <-resp:
		return e, nil
	case <-timer.C:
		r.dropPending(key)
		return cwire.Envelope{}, fmt.Errorf(
			"request %q on topic %q: %w", key, env.Topic, ErrRequestTimeout,
		)
	case <-ctx.Done():
		r.dropPending(key)
		return cwire.Envelope{}, context.Cause(ctx)
	case <-r.done:
		return cwire.Envelope{}, ErrClosed
	}
}

func (r *Router) dropPending(key string) {
	r.mu.Lock()
	delete(r.pending, key)
	delete(r.chunks, key)
	r.mu.Unlock()
}

// Subscribe registers a handler for a topic, announcing the topic to
// the robot on its first subscription. The returned handle
// identifies exactly this handler for [Router.Unsubscribe].
func (r *Router) Subscribe(topic string, h Handler) (*Subscription, error) {
	if h == nil {
		panic(errors.New("BUG: Subscribe called with nil handler"))
	}
	r.noteTopic(topic)

	sub := newSubscription(r.log.With("topic", topic), topic, r.queueDepth, h)

	r.mu.Lock()
	first := len(r.subs[topic]) == 0
	r.subs[topic] = append(r.subs[topic], sub)
	r.mu.Unlock()

	if first {
		if err := r.PublishType(cwire.TypeSubscribe, topic, nil); err != nil {
			r.Unsubscribe(sub)
			return nil, fmt.Errorf("announcing subscription: %w", err)
		}
	}
	return sub, nil
}

// Unsubscribe removes exactly the handler behind sub. Other handlers
// on the same topic keep receiving. When the last handler on a topic
// is removed, the topic is withdrawn from the robot.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	topic := sub.topic
	list := r.subs[topic]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(r.subs, topic)
	} else {
		r.subs[topic] = list
	}
	r.mu.Unlock()

	sub.stop()

	if last {
		if err := r.PublishType(cwire.TypeUnsubscribe, topic, nil); err != nil {
			r.log.Info(
				"Failed to withdraw subscription",
				"topic", topic, "err", err,
			)
		}
	}
}

// SendProbe emits a liveness heartbeat carrying the current time in
// the two redundant forms the firmware expects. Probes do not count
// as application traffic.
func (r *Router) SendProbe() error {
	now := time.Now()
	env, err := cwire.NewEnvelope(cwire.TypeHeartbeat, "", map[string]any{
		"timeInStr": now.Format("2006-01-02 15:04:05"),
		"timeInNum": now.Unix(),
	})
	if err != nil {
		return err
	}
	return r.send(env)
}

func (r *Router) send(env cwire.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	if err := r.ch.SendText(string(b)); err != nil {
		return fmt.Errorf("sending %s envelope: %w", env.Type, err)
	}
	return nil
}

func (r *Router) receive(ctx context.Context, inbound <-chan Message) {
	defer r.wg.Done()
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			r.log.Info(
				"Receive loop stopping",
				"cause", context.Cause(ctx),
			)
			return
		case msg := <-inbound:
			r.lastInbound.Store(time.Now().UnixNano())
			r.handle(msg)
		}
	}
}

// shutdown rejects outstanding requests and stops subscription
// delivery once the receive loop exits.
func (r *Router) shutdown() {
	close(r.done)

	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string][]*Subscription)
	r.pending = make(map[string]chan cwire.Envelope)
	r.chunks = make(map[string]*chunkState)
	r.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.stop()
			<-sub.finished
		}
	}
}

func (r *Router) handle(msg Message) {
	var env cwire.Envelope
	var payload []byte
	var err error

	if msg.Binary {
		var frame cwire.Frame
		frame, err = cwire.DecodeFrame(msg.Data)
		env, payload = frame.Envelope, frame.Payload
	} else {
		env, err = cwire.ParseEnvelope(msg.Data)
	}
	if err != nil {
		r.log.Info("Dropping unparseable message", "err", err)
		return
	}

	switch env.Type {
	case cwire.TypeResponse, cwire.TypeMsg, cwire.TypeInnerReq:
		merged, ok := r.reassemble(env)
		if !ok {
			// Waiting on more chunks.
			return
		}
		if r.resolve(merged) {
			return
		}
		env = merged
	}

	if _, ok := controlTypes[env.Type]; ok {
		if r.onControl != nil {
			r.onControl(env)
		}
		return
	}

	r.dispatch(env, payload)
}

// reassemble merges chunked responses, reporting false while pieces
// are still outstanding.
func (r *Router) reassemble(env cwire.Envelope) (cwire.Envelope, bool) {
	ci, ok := cwire.Chunk(env)
	if !ok {
		return env, true
	}

	part, err := cwire.ChunkPayload(env)
	if err != nil {
		r.log.Info("Dropping malformed chunk", "topic", env.Topic, "err", err)
		return env, false
	}

	if ci.TotalChunks <= 0 || ci.ChunkIndex < 0 || ci.ChunkIndex >= ci.TotalChunks {
		r.log.Info(
			"Dropping chunk with inconsistent indexing",
			"topic", env.Topic,
			"index", ci.ChunkIndex,
			"total", ci.TotalChunks,
		)
		return env, false
	}

	key := cwire.CorrelationKey(env)

	r.mu.Lock()
	st := r.chunks[key]
	if st == nil || len(st.parts) != ci.TotalChunks {
		st = &chunkState{parts: make([][]byte, ci.TotalChunks)}
		r.chunks[key] = st
	}
	// Chunks are placed by declared index, so reassembly holds even
	// if the channel ever reorders or retransmits them.
	if st.parts[ci.ChunkIndex] == nil {
		st.parts[ci.ChunkIndex] = part
		st.received++
	}
	complete := st.received == len(st.parts)
	if complete {
		delete(r.chunks, key)
	}
	r.mu.Unlock()

	if !complete {
		return env, false
	}

	var merged []byte
	for _, p := range st.parts {
		merged = append(merged, p...)
	}
	out, err := cwire.ReplaceChunkPayload(env, merged)
	if err != nil {
		r.log.Info(
			"Dropping unmergeable chunked response",
			"topic", env.Topic, "err", err,
		)
		return env, false
	}
	return out, true
}

// resolve hands the envelope to a pending request, reporting whether
// one matched. A resolved response is not also delivered to topic
// subscribers.
func (r *Router) resolve(env cwire.Envelope) bool {
	key := cwire.CorrelationKey(env)

	r.mu.Lock()
	resp, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	resp <- env
	return true
}

func (r *Router) dispatch(env cwire.Envelope, payload []byte) {
	msg := Inbound{Envelope: env}

	if r.lidarTopic != "" && env.Topic == r.lidarTopic && len(payload) > 0 {
		var hdr cvoxel.Header
		if err := json.Unmarshal(env.Data, &hdr); err != nil {
			r.decodeFailed(env.Topic, fmt.Errorf("parsing voxel header: %w", err))
			return
		}
		frame, err := r.decoder.Decode(hdr, payload)
		if err != nil {
			r.decodeFailed(env.Topic, err)
			return
		}
		msg.Voxel = frame
	}

	r.mu.Lock()
	list := r.subs[env.Topic]
	subs := make([]*Subscription, len(list))
	copy(subs, list)
	r.mu.Unlock()

	if len(subs) == 0 {
		r.log.Debug("No subscribers for topic", "topic", env.Topic, "type", env.Type)
		return
	}
	for _, sub := range subs {
		sub.enqueue(msg)
	}
}

func (r *Router) decodeFailed(topic string, err error) {
	if r.onDecodeError != nil {
		r.onDecodeError(topic, err)
	} else {
		r.log.Info("Dropping undecodable frame", "topic", topic, "err", err)
	}
}

// noteTopic logs first use of a topic outside the caller-declared
// set. Unknown topics still route; their semantics live above this
// layer.
func (r *Router) noteTopic(topic string) {
	if r.knownTopics == nil || topic == "" {
		return
	}
	if _, ok := r.knownTopics[topic]; ok {
		return
	}

	r.mu.Lock()
	_, seen := r.unlisted[topic]
	if !seen {
		r.unlisted[topic] = struct{}{}
	}
	r.mu.Unlock()

	if !seen {
		r.log.Info("Using topic outside the declared set", "topic", topic)
	}
}
