package web

import (
	"encoding/json"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
)

const (
	hubQueueSize    = 256
	clientQueueSize = 64
)

// wsHub fans JSON frames out to connected UI clients. A client whose queue
// is full when a frame arrives is dropped.
type wsHub struct {
	logger *slog.Logger
	queue  chan []byte
	quit   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
}

func newClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, out: make(chan []byte, clientQueueSize)}
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		logger:  logger,
		queue:   make(chan []byte, hubQueueSize),
		quit:    make(chan struct{}),
		clients: make(map[*wsClient]struct{}),
	}
}

// add registers c. It reports false once the hub is stopped.
func (h *wsHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

// remove drops c and closes its queue. Removing twice is a no-op.
func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.out)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.quit:
			return
		case frame := <-h.queue:
			h.fanout(frame)
		}
	}
}

func (h *wsHub) fanout(frame []byte) {
	h.mu.Lock()
	evicted := 0
	for c := range h.clients {
		select {
		case c.out <- frame:
		default:
			delete(h.clients, c)
			close(c.out)
			evicted++
		}
	}
	h.mu.Unlock()
	if evicted > 0 {
		h.logger.Warn("ws clients evicted (too slow)", "count", evicted)
	}
}

// stop closes every client queue and refuses new clients.
func (h *wsHub) stop() {
	h.once.Do(func() {
		close(h.quit)
		h.mu.Lock()
		h.closed = true
		for c := range h.clients {
			delete(h.clients, c)
			close(c.out)
		}
		h.mu.Unlock()
	})
}

// broadcast queues v for every client and logs when the queue is full.
func (h *wsHub) broadcast(v interface{}) {
	if !h.offer(v) {
		h.logger.Warn("ws broadcast queue full, dropping frame")
	}
}

// offer is broadcast without logging, for the log tee.
func (h *wsHub) offer(v interface{}) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case h.queue <- frame:
		return true
	default:
		return false
	}
}
