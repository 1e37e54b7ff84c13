package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State websocket
//
// Only the hub goroutine queues outbound frames, so no client sees a
// state_changed older than its state_init. A client whose send queue is full
// is evicted. Each client has its own write pump.
//
// Frames are JSON text: {type, ts, data}. Inbound frames use the IPC envelope
// ({type, data}) and go to the engine.

// envelope is an outbound state websocket frame.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

type wsErrorData struct {
	Error string `json:"error"`
}

func marshalFrame(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

// ----------------------------------------------------------------------------
// Hub

type unicast struct {
	client *Client
	msg    []byte
}

type Hub struct {
	logger *slog.Logger

	broadcast  chan DeviceState
	register   chan *Client
	unregister chan *Client
	stateReq   chan *Client
	direct     chan unicast
	done       chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}

	// last is the newest snapshot the hub has seen; snapshot seeds it.
	last     DeviceState
	hasLast  bool
	snapshot func() DeviceState

	// Configuration
	sendBuf int
}

type HubConfig struct {
	// SendBuf bounds each client's outbound queue (default 32).
	SendBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it. snapshot supplies the
// state_init payload until the first broadcast arrives; it may be nil.
func NewHub(logger *slog.Logger, cfg HubConfig, snapshot func() DeviceState) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan DeviceState),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		stateReq:   make(chan *Client, 64),
		direct:     make(chan unicast, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		snapshot:   snapshot,
		sendBuf:    sendBuf,
	}
}

// Run owns the client set until ctx is canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("state hub running")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("state hub stopped")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("state client joined", "remote_addr", c.remoteAddr, "clients", n)
			h.sendState(c)

		case c := <-h.stateReq:
			h.sendState(c)

		case u := <-h.direct:
			h.enqueue(u.client, u.msg)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case s := <-h.broadcast:
			h.last, h.hasLast = s, true

			msg, err := marshalFrame("state_changed", s)
			if err != nil {
				h.logger.Warn("state frame marshal failed", "error", err)
				continue
			}

			// Evict after the loop; removeClient takes mu.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// sendState enqueues a state_init frame with the hub's current snapshot for c.
func (h *Hub) sendState(c *Client) {
	snap := h.last
	if !h.hasLast && h.snapshot != nil {
		snap = h.snapshot()
	}
	msg, err := marshalFrame("state_init", snap)
	if err != nil {
		h.logger.Warn("state frame marshal failed", "error", err)
		return
	}
	h.enqueue(c, msg)
}

// enqueue queues msg for c, disconnecting c if its buffer is full.
func (h *Hub) enqueue(c *Client, msg []byte) {
	h.mu.Lock()
	_, ok := h.clients[c]
	queued := false
	if ok {
		select {
		case c.send <- msg:
			queued = true
		default:
		}
	}
	h.mu.Unlock()

	if ok && !queued {
		h.removeClient(c, "slow_client")
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		// Closing send signals writePump to exit. Only the hub goroutine closes it,
		// and only while the client is still registered.
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		h.logger.Info("state client left", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// submitToHub hands v to the hub loop unless the hub has stopped.
func submitToHub[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

// ----------------------------------------------------------------------------
// Client

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient sizes the send queue from the hub config.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	maxInboundFrame = 4096
)

// wsCoalesceWindow is the minimum spacing between state_changed frames. Snapshots
// arriving inside the window are coalesced (latest-wins).
const wsCoalesceWindow = 50 * time.Millisecond

// closeStatus unpacks a websocket close frame error.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
	} else {
		c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
	}
}

// writePump drains c.send into the connection and keeps it alive with pings.
// A closed send queue means the hub dropped the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump forwards inbound command frames to the engine. It exits on read error,
// then unregisters the client.
func (c *Client) readPump(ctl Controller) {
	defer submitToHub(c.hub, c.hub.unregister, c)

	c.conn.SetReadLimit(maxInboundFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("readPump", err)
			return
		}
		c.handleInbound(data, ctl)
	}
}

func (c *Client) handleInbound(data []byte, ctl Controller) {
	ev, err := UnmarshalEvent(data)
	if err != nil {
		c.logger.Warn("ws inbound frame rejected", "remote_addr", c.remoteAddr, "error", err)
		if msg, mErr := marshalFrame("error", wsErrorData{Error: err.Error()}); mErr == nil {
			submitToHub(c.hub, c.hub.direct, unicast{client: c, msg: msg})
		}
		return
	}

	if _, ok := ev.(StateQuery); ok {
		submitToHub(c.hub, c.hub.stateReq, c)
		return
	}
	if ctl != nil {
		ctl.Dispatch(ev)
	}
}

// ----------------------------------------------------------------------------
// HTTP

type Server struct {
	logger *slog.Logger

	hub *Hub
	ctl Controller
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer wires a hub seeded from ctl. The caller runs Hub().Run and
// RunBroadcaster next to the HTTP server.
func NewServer(logger *slog.Logger, ctl Controller, cfg ServerConfig) *Server {
	var snapshot func() DeviceState
	if ctl != nil {
		snapshot = ctl.CurrentSnapshot
	}
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub, snapshot),
		ctl:    ctl,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register mounts the state websocket handler at path.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client. The hub sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("state websocket upgrade failed", "error", err)
		return
	}

	logger := s.logger.With("conn", uuid.NewString())
	client := NewClient(s.hub, conn, r.RemoteAddr, logger)

	if !submitToHub(s.hub, s.hub.register, client) {
		_ = conn.Close()
		return
	}

	// Pumps outlive the handler; net/http cancels r.Context() when it returns.
	go client.writePump()
	go client.readPump(s.ctl)
}

// runStateWSServer serves the state websocket on listen and shuts it down
// gracefully when ctx is canceled.
func runStateWSServer(ctx context.Context, listen, path string, s *Server, logger *slog.Logger) error {
	mux := http.NewServeMux()
	s.Register(mux, path)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}
	logger.Info("state websocket listening", "addr", ln.Addr().String(), "path", path)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// Serve returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Hijacked websocket connections are closed by the hub, not by Shutdown.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}

// ----------------------------------------------------------------------------
// Engine feed

// RunBroadcaster forwards engine snapshots to the hub, at most one per
// wsCoalesceWindow. The newest snapshot is always delivered eventually.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan DeviceState, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *DeviceState
	var throttle *time.Timer
	var throttleCh <-chan time.Time

	forward := func(s DeviceState) bool {
		select {
		case hub.broadcast <- s:
			return true
		case <-ctx.Done():
			return false
		case <-hub.done:
			return false
		}
	}
	startThrottle := func() {
		throttle = time.NewTimer(wsCoalesceWindow)
		throttleCh = throttle.C
	}
	defer func() {
		if throttle != nil {
			throttle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-throttleCh:
			throttle, throttleCh = nil, nil
			if pending != nil {
				s := *pending
				pending = nil
				if !forward(s) {
					return
				}
				startThrottle()
			}

		case s, ok := <-src:
			if !ok {
				if pending != nil {
					forward(*pending)
				}
				logger.Info("state broadcaster done (engine feed closed)")
				return
			}
			if throttle != nil {
				pending = &s
				continue
			}
			if !forward(s) {
				return
			}
			startThrottle()
		}
	}
}
