// Package web streams routed notifications to websocket clients.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/dokzlo13/tradfrid/internal/notify"
)

// ErrBroadcastFull is returned by Deliver when the broadcast queue is full.
var ErrBroadcastFull = errors.New("websocket broadcast queue full")

const (
	broadcastQueue = 256
	clientQueue    = 64
	writeTimeout   = 10 * time.Second
	readLimit      = 4096
)

// Hub manages websocket connections and broadcasts notifications to them.
type Hub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex

	originPatterns []string

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. originPatterns are passed to the websocket accept
// check; when empty only same-origin clients are accepted.
func NewHub(originPatterns ...string) *Hub {
	return &Hub{
		clients:        make(map[*wsClient]struct{}),
		originPatterns: originPatterns,
		register:       make(chan *wsClient),
		unregister:     make(chan *wsClient),
		broadcast:      make(chan []byte, broadcastQueue),
		done:           make(chan struct{}),
	}
}

// Run is the hub event loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("total", total).Msg("Websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("total", total).Msg("Websocket client disconnected")

		case data := <-h.broadcast:
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				log.Warn().Msg("Websocket client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver broadcasts an envelope to every client. It implements notify.Sink.
func (h *Hub) Deliver(ctx context.Context, env notify.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// ServeHTTP upgrades the request and streams notifications until the client
// goes away or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.originPatterns) > 0 {
		opts.OriginPatterns = h.originPatterns
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Error().Err(err).Msg("Websocket accept failed")
		return
	}
	conn.SetReadLimit(readLimit)

	client := &wsClient{conn: conn, send: make(chan []byte, clientQueue)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) writePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// readPump drains client frames; clients only listen.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
