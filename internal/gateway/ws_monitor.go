package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	wsWriteWait      = 10 * time.Second
	wsClientBacklog  = 256
	wsReadBufferSize = 4096
)

// monitorFrame is one event pushed to dashboard clients.
type monitorFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	Seq   int64          `json:"seq"`
	Time  time.Time      `json:"time"`
}

// MonitorHub broadcasts orchestrator monitor events to websocket
// dashboards. It implements the orchestrator's Monitor interface. Slow
// consumers are dropped, never allowed to block event dispatch.
type MonitorHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	seq     atomic.Int64

	server *http.Server
}

type wsClient struct {
	conn *websocket.Conn
	send chan monitorFrame
}

// NewMonitorHub creates an empty hub.
func NewMonitorHub(logger *slog.Logger) *MonitorHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitorHub{
		logger:  logger.With("component", "monitor"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsReadBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Notify implements the monitor side channel: fan the event out to every
// connected client without blocking.
func (h *MonitorHub) Notify(event string, data map[string]any) {
	frame := monitorFrame{
		Event: event,
		Data:  data,
		Seq:   h.seq.Add(1),
		Time:  time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			// Backlogged consumer: disconnect rather than stall dispatch.
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("dropping slow monitor client")
		}
	}
}

// ClientCount returns the number of connected dashboards.
func (h *MonitorHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Listen serves /ws and /metrics on addr until ctx is cancelled. Returns
// once the listener is closed.
func (h *MonitorHub) Listen(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}()

	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *MonitorHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan monitorFrame, wsClientBacklog)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *MonitorHub) writeLoop(client *wsClient) {
	defer client.conn.Close()
	for frame := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := client.conn.WriteJSON(frame); err != nil {
			h.remove(client)
			return
		}
	}
}

// readLoop drains client messages so pings are processed, and detaches
// on close.
func (h *MonitorHub) readLoop(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

func (h *MonitorHub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}
