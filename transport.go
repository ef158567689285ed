package collie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/collie-robotics/collie/crouter"
	"github.com/collie-robotics/collie/csignal"
)

// ICEServer describes one STUN or TURN server for transport
// establishment.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Transport is an open peer connection carrying one data channel.
type Transport interface {
	// Inbound delivers raw data-channel messages in arrival order.
	Inbound() <-chan crouter.Message

	// Channel is the send surface for the data channel.
	Channel() crouter.Channel

	// Closed is closed when the transport fails or is torn down;
	// Err explains why.
	Closed() <-chan struct{}
	Err() error

	Close() error
}

// DialConfig is everything a dialer needs for one establishment
// attempt.
type DialConfig struct {
	// Exchanger trades the offer for the robot's answer.
	Exchanger csignal.Exchanger

	// OfferID labels the offer with the connection flavor the
	// firmware expects to see.
	OfferID string

	// Token authenticates the offer; empty for local methods.
	Token string

	// ICEServers configure candidate gathering; empty for local
	// methods, relay credentials for Remote.
	ICEServers []ICEServer

	// OnState observes establishment progress. May be nil.
	OnState func(State)

	// ChannelOpenTimeout bounds the wait for the data channel after
	// connectivity, defaulting to 10 seconds.
	ChannelOpenTimeout time.Duration
}

func (c DialConfig) observe(s State) {
	if c.OnState != nil {
		c.OnState(s)
	}
}

// TransportDialer performs one transport establishment attempt.
// The production implementation is [NewWebRTCDialer]; tests inject
// in-process dialers.
type TransportDialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Transport, error)
}

// dataChannelLabel is the label the firmware serves all protocol
// traffic on.
const dataChannelLabel = "data"

// inboundDepth bounds raw messages buffered between the data channel
// callback and the router's receive loop.
const inboundDepth = 256

// WebRTCDialer establishes real peer connections.
type WebRTCDialer struct {
	log *slog.Logger
}

// NewWebRTCDialer returns a dialer logging through log, which must
// not be nil.
func NewWebRTCDialer(log *slog.Logger) *WebRTCDialer {
	if log == nil {
		panic(errors.New("BUG: NewWebRTCDialer called with nil logger"))
	}
	return &WebRTCDialer{log: log}
}

// Dial implements [TransportDialer]: it builds an offer with one
// data channel and receive-only media transceivers, gathers
// candidates to completion, trades descriptions through the
// configured exchanger, and waits for connectivity plus the open
// data channel.
func (d *WebRTCDialer) Dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	if cfg.ChannelOpenTimeout == 0 {
		cfg.ChannelOpenTimeout = 10 * time.Second
	}

	var rtcCfg webrtc.Configuration
	for _, s := range cfg.ICEServers {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t := &webrtcTransport{
		log:     d.log,
		pc:      pc,
		inbound: make(chan crouter.Message, inboundDepth),
		closed:  make(chan struct{}),
	}

	connected := make(chan struct{}, 1)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		d.log.Debug("Peer connection state changed", "state", s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case webrtc.PeerConnectionStateFailed:
			t.fail(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			t.fail(errors.New("peer connection closed"))
		}
	})

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	t.dc = dc

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m := crouter.Message{Binary: !msg.IsString, Data: msg.Data}
		select {
		case t.inbound <- m:
		case <-t.closed:
		}
	})

	// The robot pushes video and audio; the controller never sends
	// media.
	for _, kind := range []webrtc.RTPCodecType{
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPCodecTypeAudio,
	} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	cfg.observe(StateOffering)
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}

	// Vanilla ICE: gather every candidate before signaling, since
	// the firmware's exchange is a single round trip.
	cfg.observe(StateIceGathering)
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("applying local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, context.Cause(ctx)
	}

	local := pc.LocalDescription()
	answer, err := cfg.Exchanger.Exchange(ctx, csignal.Offer{
		ID:    cfg.OfferID,
		SDP:   local.SDP,
		Type:  "offer",
		Token: cfg.Token,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("applying answer description: %w", err)
	}

	cfg.observe(StateIceChecking)
	select {
	case <-connected:
		cfg.observe(StatePeerConnected)
	case <-t.closed:
		pc.Close()
		return nil, fmt.Errorf("establishing connectivity: %w", t.Err())
	case <-ctx.Done():
		pc.Close()
		return nil, context.Cause(ctx)
	}

	openTimer := time.NewTimer(cfg.ChannelOpenTimeout)
	defer openTimer.Stop()
	select {
	case <-opened:
	case <-openTimer.C:
		pc.Close()
		return nil, ErrChannelTimeout
	case <-t.closed:
		pc.Close()
		return nil, fmt.Errorf("waiting for data channel: %w", t.Err())
	case <-ctx.Done():
		pc.Close()
		return nil, context.Cause(ctx)
	}

	return t, nil
}

type webrtcTransport struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel

	inbound chan crouter.Message

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

func (t *webrtcTransport) Inbound() <-chan crouter.Message { return t.inbound }

func (t *webrtcTransport) Channel() crouter.Channel { return t.dc }

func (t *webrtcTransport) Closed() <-chan struct{} { return t.closed }

func (t *webrtcTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

func (t *webrtcTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.closed)
	})
}

func (t *webrtcTransport) Close() error {
	t.fail(errors.New("transport closed"))
	return t.pc.Close()
}
