package workloadapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is already access-controlled by filesystem permissions on
	// the Unix path; there is no browser origin to check here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one streamed connection's state: its cached selectors (fixed
// for the connection's lifetime, since re-attesting a pid that hasn't
// exited would just reproduce the same set) and its outbound queue.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	pid       int
	selectors []string
}

// hub tracks every currently streaming client so a trust-bundle or
// workload-entry change can be fanned out to all of them at once, mirroring
// the teacher's session/broadcast split but with one hub per agent process
// instead of one per debugging session.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]bool)}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast invokes push for every registered client. push is expected to
// marshal a fresh response and enqueue it on c.send; it runs with no lock
// held so a slow mint call for one client never blocks the others.
func (h *hub) broadcast(push func(ctx context.Context, c *client)) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		go push(context.Background(), c)
	}
}

// handleStream implements §4.11's streaming variant: attest the caller
// once at connect time, then re-push on every bundle or entry-set change
// the hub is notified of.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	creds, ok := peerCredsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Internal.New("workloadapi: no peer credentials on connection"))
		return
	}

	selectors, err := h.attestor.Attest(r.Context(), creds.PID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("workloadapi: websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan []byte, 16),
		pid:       creds.PID,
		selectors: selectors,
	}
	h.hub.register(c)

	go c.writePump()
	go c.readPump(h.hub)

	h.pushToClient(r.Context(), c)
}

// pushToClient matches c's cached selectors against the current snapshot,
// mints SVIDs for every match, and enqueues the result. A mint or
// attestation failure is logged and dropped rather than torn down — a
// transient Server error shouldn't close an otherwise healthy stream.
func (h *Handlers) pushToClient(ctx context.Context, c *client) {
	matches := h.matchEntries(c.selectors)
	if len(matches) == 0 {
		return
	}

	svids, err := h.mintAll(ctx, matches, nil)
	if err != nil {
		log.Printf("workloadapi: stream push for pid %d failed: %v", c.pid, err)
		return
	}

	data, err := json.Marshal(fetchSVIDsResponse{
		SVIDs:  svids,
		Bundle: toTrustBundleWire(h.entries.CurrentTrustBundle()),
	})
	if err != nil {
		return
	}

	select {
	case c.send <- data:
	default:
		// Client isn't draining; drop rather than block the broadcaster.
	}
}

func (c *client) readPump(h *hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("workloadapi: websocket error for pid %d: %v", c.pid, err)
			}
			return
		}
		// Nothing accepted from the workload side; the stream is
		// server-to-client only.
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
