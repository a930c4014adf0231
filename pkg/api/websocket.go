// Package api exposes the node's transfer events to observers over
// WebSocket. It implements transfer.Observer; the manager's event loop
// must never block on a slow subscriber, so every client gets a bounded
// send queue and is dropped when it falls behind.
package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/corelink-net/corelink/pkg/transfer"
)

var log = logging.Logger("corelink/api")

const clientQueueLen = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is observability for a local dashboard; any origin may read.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan map[string]interface{}
}

// Hub fans transfer events out to websocket subscribers.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan map[string]interface{}, clientQueueLen)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debugf("websocket client connected: %s", conn.RemoteAddr())

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		// Subscribers send nothing; reading only detects the close.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// broadcast queues the event for every subscriber, dropping clients whose
// queues are full rather than blocking the caller.
func (h *Hub) broadcast(ev map[string]interface{}) {
	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		log.Debugf("dropping slow websocket client %s", c.conn.RemoteAddr())
		h.drop(c)
	}
}

// transfer.Observer implementation

func (h *Hub) PeerConnected(id peer.ID) {
	h.broadcast(map[string]interface{}{"event": "peer_connected", "peer": id.String()})
}

func (h *Hub) PeerDisconnected(id peer.ID) {
	h.broadcast(map[string]interface{}{"event": "peer_disconnected", "peer": id.String()})
}

func (h *Hub) SessionOpened(p transfer.Progress) {
	h.broadcast(map[string]interface{}{
		"event":   "session_opened",
		"file_id": p.FileID,
		"name":    p.Name,
		"source":  p.Source.String(),
	})
}

func (h *Hub) ChunkVerified(fileID string, index uint32, percent int) {
	h.broadcast(map[string]interface{}{
		"event":   "chunk_verified",
		"file_id": fileID,
		"index":   index,
		"percent": percent,
	})
}

func (h *Hub) ChunkAcked(fileID string, index uint32, by peer.ID) {
	h.broadcast(map[string]interface{}{
		"event":   "chunk_acked",
		"file_id": fileID,
		"index":   index,
		"peer":    by.String(),
	})
}

func (h *Hub) SessionClosed(p transfer.Progress) {
	ev := map[string]interface{}{
		"event":   "session_closed",
		"file_id": p.FileID,
		"name":    p.Name,
		"status":  p.Status.String(),
		"percent": p.Percent,
	}
	if p.Status == transfer.StatusFailed {
		ev["failure"] = p.Failure.String()
	}
	h.broadcast(ev)
}

var _ transfer.Observer = (*Hub)(nil)
