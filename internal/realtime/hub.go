package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/metrics"
	"github.com/matheus3301/chatrelay/internal/registry"
	"go.uber.org/zap"
)

var (
	// ErrGone is returned when pushing to an address with no open connection.
	ErrGone = errors.New("connection gone")
	// ErrQueueFull is returned when a connection's outbound queue is full.
	ErrQueueFull = errors.New("outbound queue full")
)

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
)

// HubOptions configures the websocket transport.
type HubOptions struct {
	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// OriginPatterns are the allowed browser origins; "*" allows any.
	OriginPatterns []string
}

// Hub accepts websocket connections, verifies their bearer token, feeds
// their frames to the dispatcher and implements Pusher over them.
type Hub struct {
	verifier identity.Verifier
	opts     HubOptions
	logger   *zap.Logger

	mu         sync.RWMutex
	clients    map[registry.Address]*client
	dispatcher *Dispatcher
}

type client struct {
	addr      registry.Address
	identity  string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub. Bind must be called before serving.
func NewHub(v identity.Verifier, opts HubOptions, logger *zap.Logger) *Hub {
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	return &Hub{
		verifier: v,
		opts:     opts,
		logger:   logging.OrNop(logger),
		clients:  make(map[registry.Address]*client),
	}
}

// Bind attaches the dispatcher that handles inbound frames.
func (h *Hub) Bind(d *Dispatcher) {
	h.mu.Lock()
	h.dispatcher = d
	h.mu.Unlock()
}

// ServeHTTP upgrades an authenticated request and serves the connection
// until either side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.verifier.Verify(r.Context(), identity.Credential(r))
	if err != nil {
		h.logger.Info("websocket auth rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns}
	if slices.Contains(h.opts.OriginPatterns, "*") {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		addr:     registry.Address(uuid.NewString()),
		identity: id.Username,
		conn:     conn,
		send:     make(chan []byte, h.opts.QueueSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.addr] = c
	h.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	h.logger.Info("connection opened", zap.String("address", string(c.addr)), zap.String("identity", c.identity))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
	h.close(c, websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Debug("connection read ended", zap.String("address", string(c.addr)), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			_ = h.Push(c.addr, EventError, ErrorPayload{Code: "bad_request", Message: "frames must be {\"event\", \"data\"} objects"})
			continue
		}

		h.mu.RLock()
		d := h.dispatcher
		h.mu.RUnlock()
		if d == nil {
			continue
		}
		d.Dispatch(ctx, Inbound{Address: c.addr, Identity: c.identity, Event: f.Event, Data: f.Data})

		if f.Event == EventDisconnect {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.close(c, websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// close tears the connection down exactly once and dispatches disconnect so
// the registry forgets the address.
func (h *Hub) close(c *client, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		h.mu.Lock()
		delete(h.clients, c.addr)
		d := h.dispatcher
		h.mu.Unlock()
		_ = c.conn.Close(code, reason)
		metrics.ConnectionsActive.Dec()

		if d != nil {
			d.Dispatch(context.Background(), Inbound{Address: c.addr, Identity: c.identity, Event: EventDisconnect})
		}
		h.logger.Info("connection closed", zap.String("address", string(c.addr)), zap.String("identity", c.identity))
	})
}

// Push enqueues an event for addr without waiting for the peer.
func (h *Hub) Push(addr registry.Address, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	h.mu.RLock()
	c, ok := h.clients[addr]
	h.mu.RUnlock()
	if !ok {
		metrics.PushesTotal.WithLabelValues(event, "gone").Inc()
		return fmt.Errorf("push %s to %s: %w", event, addr, ErrGone)
	}

	select {
	case <-c.done:
		metrics.PushesTotal.WithLabelValues(event, "gone").Inc()
		return fmt.Errorf("push %s to %s: %w", event, addr, ErrGone)
	default:
	}
	select {
	case c.send <- frame:
		metrics.PushesTotal.WithLabelValues(event, "ok").Inc()
		return nil
	default:
		metrics.PushesTotal.WithLabelValues(event, "dropped").Inc()
		return fmt.Errorf("push %s to %s: %w", event, addr, ErrQueueFull)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes every open connection.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.close(c, websocket.StatusGoingAway, "server shutting down")
	}
}
