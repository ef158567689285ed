package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collie-robotics/collie/crouter"
	"github.com/collie-robotics/collie/cvoxel"
)

// snapshotInterval rate-limits point-cloud publications to clients.
// LiDAR frames arrive much faster than a dashboard can redraw.
const snapshotInterval = 200 * time.Millisecond

// runServe connects like runConnect and additionally relays every
// delivered message to websocket clients, for dashboards that want
// live telemetry without speaking the robot protocol. LiDAR frames
// are not relayed one by one: they are merged in an accumulator and
// published as rate-limited deduplicated snapshots.
func runServe(ctx context.Context, log *slog.Logger, cfg Config) error {
	hub := newHub(log.With("sys", "hub"))

	acc := cvoxel.NewAccumulator(log.With("sys", "accumulate"), cvoxel.AccumulatorConfig{})
	snaps := acc.RunSnapshots(ctx, snapshotInterval)
	go func() {
		for s := snaps; ; s = s.Next {
			select {
			case <-ctx.Done():
				return
			case <-s.Ready:
			}
			hub.broadcastPoints(s.Val)
		}
	}()

	sink := func(msg crouter.Inbound) {
		if msg.Voxel != nil {
			acc.AddFrame(msg.Voxel)
			return
		}
		hub.broadcast(msg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", hub.serveWS)

	srv := &http.Server{
		Addr:    cfg.Serve,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Telemetry relay listening", "addr", cfg.Serve)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	connErr := make(chan error, 1)
	go func() {
		connErr <- runConnect(ctx, log, cfg, sink)
	}()

	var err error
	select {
	case err = <-errCh:
	case err = <-connErr:
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shCtx)
	hub.closeAll()

	return err
}

// wireMessage is the JSON document relayed to websocket clients.
type wireMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Points is set for point-cloud snapshot messages: world-space
	// x, y, z triples, merged and deduplicated.
	Points []float32 `json:"points,omitempty"`
}

// hub fans telemetry out to connected websocket clients, dropping
// clients that fall behind rather than blocking the robot stream.
type hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("Websocket upgrade failed", "err", err)
		return
	}

	out := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = out
	h.mu.Unlock()
	h.log.Info("Telemetry client connected", "remote", conn.RemoteAddr())

	go h.writeLoop(conn, out)

	// Clients only read; drain their side to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
}

func (h *hub) writeLoop(conn *websocket.Conn, out chan []byte) {
	for msg := range out {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *hub) broadcast(msg crouter.Inbound) {
	h.send(wireMessage{
		Topic: msg.Envelope.Topic,
		Type:  msg.Envelope.Type,
		Data:  msg.Envelope.Data,
	})
}

func (h *hub) broadcastPoints(pts []float32) {
	h.send(wireMessage{
		Type:   "voxel_snapshot",
		Points: pts,
	})
}

func (h *hub) send(wm wireMessage) {
	b, err := json.Marshal(wm)
	if err != nil {
		h.log.Info("Failed to encode relay message", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, out := range h.clients {
		select {
		case out <- b:
		default:
			// Slow client; drop the message, not the stream.
			h.log.Debug("Relay client falling behind", "remote", conn.RemoteAddr())
		}
	}
}

func (h *hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	out, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if ok {
		close(out)
		conn.Close()
		h.log.Info("Telemetry client disconnected", "remote", conn.RemoteAddr())
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, out := range h.clients {
		close(out)
		conn.Close()
		delete(h.clients, conn)
	}
}
