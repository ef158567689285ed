package collietest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/collie-robotics/collie/crouter"
	"github.com/collie-robotics/collie/csec"
	"github.com/collie-robotics/collie/cvoxel"
	"github.com/collie-robotics/collie/cwire"
)

// APIHandler produces the response payload for one robot API
// function. Returning an error suppresses the response entirely,
// which tests use to force request timeouts.
type APIHandler func(req cwire.Request, topic string) (any, error)

// InnerHandler produces the info document for one rtc_inner_req
// request type.
type InnerHandler func(data json.RawMessage) (any, error)

// Robot is a fake firmware endpoint: it issues the validation
// challenge, verifies the digest answer, echoes heartbeats, answers
// registered API functions, and can publish telemetry and LiDAR
// frames.
type Robot struct {
	log *slog.Logger
	t   *PipeTransport

	challenge string

	mu       sync.Mutex
	api      map[int64]APIHandler
	inner    map[string]InnerHandler
	topics   map[string]struct{}
	silenced bool

	validated chan struct{}
	vonce     sync.Once

	wg sync.WaitGroup
}

// NewRobot starts a fake robot on the given pipe end. It runs until
// ctx is canceled or the pipe closes.
func NewRobot(ctx context.Context, log *slog.Logger, t *PipeTransport) *Robot {
	r := &Robot{
		log: log,
		t:   t,

		challenge: uuid.NewString(),

		api:    make(map[int64]APIHandler),
		inner:  make(map[string]InnerHandler),
		topics: make(map[string]struct{}),

		validated: make(chan struct{}),
	}

	r.inner["disable_traffic_saving"] = func(json.RawMessage) (any, error) {
		return map[string]any{"execution": "ok"}, nil
	}
	r.inner["public_network_status"] = func(json.RawMessage) (any, error) {
		return map[string]any{"execution": "ok", "mode": "STA-T"}, nil
	}

	r.wg.Add(1)
	go r.run(ctx)

	// The firmware opens with the validation challenge.
	r.sendEnvelope(cwire.TypeValidation, "", r.challenge)

	return r
}

// Validated is closed once the client answered the challenge
// correctly.
func (r *Robot) Validated() <-chan struct{} { return r.validated }

// HandleAPI registers the responder for one API function id.
func (r *Robot) HandleAPI(apiID int64, h APIHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.api[apiID] = h
}

// HandleInner registers the responder for one rtc_inner_req type.
func (r *Robot) HandleInner(reqType string, h InnerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inner[reqType] = h
}

// Silence makes the robot stop answering anything, simulating a hung
// peer for liveness tests.
func (r *Robot) Silence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silenced = true
}

// Subscribed reports whether the client has announced the topic.
func (r *Robot) Subscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	return ok
}

// PublishTelemetry emits one msg envelope on a topic.
func (r *Robot) PublishTelemetry(topic string, data any) error {
	return r.sendEnvelope(cwire.TypeMsg, topic, data)
}

// ReportErrors emits one firmware error report of the given change
// type (errors, add_error, or rm_error). Each entry is a
// [timestamp, source, code] triple.
func (r *Robot) ReportErrors(change string, entries ...[3]int64) error {
	payload := make([][]int64, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, e[:])
	}
	return r.sendEnvelope(change, "", payload)
}

// EmitLidarFrame compresses raw voxel bytes and emits them as a
// binary LiDAR frame under the given header.
func (r *Robot) EmitLidarFrame(topic string, hdr cvoxel.Header, raw []byte) error {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := c.CompressBlock(raw, dst)
	if err != nil {
		return fmt.Errorf("compressing voxel payload: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("voxel payload incompressible, fixture too random")
	}

	hdr.SrcSize = len(raw)
	env, err := cwire.NewEnvelope(cwire.TypeMsg, topic, hdr)
	if err != nil {
		return err
	}
	frame, err := cwire.EncodeLidarFrame(env, dst[:n])
	if err != nil {
		return err
	}
	return r.t.Send(frame)
}

// EmitRawLidarFrame emits an already-built payload without
// compressing it, for malformed-frame tests.
func (r *Robot) EmitRawLidarFrame(topic string, hdr cvoxel.Header, payload []byte) error {
	env, err := cwire.NewEnvelope(cwire.TypeMsg, topic, hdr)
	if err != nil {
		return err
	}
	frame, err := cwire.EncodeLidarFrame(env, payload)
	if err != nil {
		return err
	}
	return r.t.Send(frame)
}

// Wait blocks until the robot goroutine has finished.
func (r *Robot) Wait() {
	r.wg.Wait()
}

func (r *Robot) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.t.Closed():
			return
		case msg := <-r.t.Inbound():
			r.handle(msg)
		}
	}
}

func (r *Robot) handle(msg crouter.Message) {
	r.mu.Lock()
	silenced := r.silenced
	r.mu.Unlock()
	if silenced {
		return
	}

	env, err := cwire.ParseEnvelope(msg.Data)
	if err != nil {
		r.log.Info("Robot dropping unparseable message", "err", err)
		return
	}

	switch env.Type {
	case cwire.TypeValidation:
		answer, _ := cwire.DataString(env)
		if answer == csec.ValidationDigest(r.challenge) {
			r.vonce.Do(func() { close(r.validated) })
			r.sendEnvelope(cwire.TypeValidation, "", "Validation Ok.")
		} else {
			r.sendEnvelope(cwire.TypeError, "", "validation rejected")
		}

	case cwire.TypeHeartbeat:
		r.sendRaw(env)

	case cwire.TypeSubscribe:
		r.mu.Lock()
		r.topics[env.Topic] = struct{}{}
		r.mu.Unlock()

	case cwire.TypeUnsubscribe:
		r.mu.Lock()
		delete(r.topics, env.Topic)
		r.mu.Unlock()

	case cwire.TypeRequest:
		r.handleRequest(env)

	case cwire.TypeInnerReq:
		r.handleInner(env)
	}
}

func (r *Robot) handleRequest(env cwire.Envelope) {
	var req cwire.Request
	if err := json.Unmarshal(env.Data, &req); err != nil {
		r.log.Info("Robot dropping malformed request", "err", err)
		return
	}

	r.mu.Lock()
	h := r.api[req.Header.Identity.APIID]
	r.mu.Unlock()
	if h == nil {
		r.log.Info(
			"Robot has no responder for API function",
			"api_id", req.Header.Identity.APIID,
		)
		return
	}

	result, err := h(req, env.Topic)
	if err != nil {
		// Handler declined; test wants a timeout.
		return
	}

	r.sendEnvelope(cwire.TypeResponse, env.Topic, map[string]any{
		"header": map[string]any{
			"identity": map[string]any{
				"id":     req.Header.Identity.ID,
				"api_id": req.Header.Identity.APIID,
			},
		},
		"data": result,
	})
}

func (r *Robot) handleInner(env cwire.Envelope) {
	var data struct {
		ReqType string `json:"req_type"`
		UUID    string `json:"uuid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		r.log.Info("Robot dropping malformed inner request", "err", err)
		return
	}

	r.mu.Lock()
	h := r.inner[data.ReqType]
	r.mu.Unlock()
	if h == nil {
		return
	}

	info, err := h(env.Data)
	if err != nil {
		return
	}

	infoJSON, err := json.Marshal(info)
	if err != nil {
		panic(fmt.Errorf("IMPOSSIBLE: failed to marshal inner response info: %w", err))
	}
	dataJSON, err := json.Marshal(map[string]string{"uuid": data.UUID})
	if err != nil {
		panic(fmt.Errorf("IMPOSSIBLE: failed to marshal inner response data: %w", err))
	}

	r.sendRaw(cwire.Envelope{
		Type: cwire.TypeInnerReq,
		Data: dataJSON,
		Info: infoJSON,
	})
}

func (r *Robot) sendEnvelope(typ, topic string, data any) error {
	env, err := cwire.NewEnvelope(typ, topic, data)
	if err != nil {
		return err
	}
	return r.sendRaw(env)
}

func (r *Robot) sendRaw(env cwire.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	return r.t.SendText(string(b))
}
