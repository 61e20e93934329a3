package websocket

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

type binding struct {
	client    *Client
	sessionID string
}

type sessionNotice struct {
	sessionID string
	payload   []byte
	exceptID  string
}

type countQuery struct {
	sessionID string
	reply     chan int
}

// Hub is the connection registry. It maps session ids to the connections
// joined to them; connections only ever hold the session id, never the
// session itself. All state is owned by the Run goroutine.
type Hub struct {
	register     chan *Client
	unregister   chan *Client
	bind         chan binding
	closeSession chan sessionNotice
	count        chan countQuery
	done         chan struct{}

	clients  map[string]*Client
	sessions map[string]map[string]struct{}
	bound    map[string]string
	log      zerolog.Logger
}

// NewHub creates a new Hub. Call Run before registering clients.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		bind:         make(chan binding),
		closeSession: make(chan sessionNotice, 256),
		count:        make(chan countQuery),
		done:         make(chan struct{}),
		clients:      make(map[string]*Client),
		sessions:     make(map[string]map[string]struct{}),
		bound:        make(map[string]string),
		log:          log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run serves hub operations until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				c.Close()
			}
			h.log.Info().Int("clients", len(h.clients)).Msg("Hub stopped")
			return
		case c := <-h.register:
			h.clients[c.id] = c
		case c := <-h.unregister:
			h.unbind(c.id)
			delete(h.clients, c.id)
		case b := <-h.bind:
			if _, ok := h.clients[b.client.id]; !ok {
				continue
			}
			h.unbind(b.client.id)
			set, ok := h.sessions[b.sessionID]
			if !ok {
				set = make(map[string]struct{})
				h.sessions[b.sessionID] = set
			}
			set[b.client.id] = struct{}{}
			h.bound[b.client.id] = b.sessionID
		case n := <-h.closeSession:
			closed := 0
			for id := range h.sessions[n.sessionID] {
				if id == n.exceptID {
					continue
				}
				if c, ok := h.clients[id]; ok {
					c.sendRaw(n.payload)
					c.Close()
					closed++
				}
			}
			if closed > 0 {
				h.log.Info().Str("session_id", n.sessionID).Int("connections", closed).Msg("Closed session connections")
			}
		case q := <-h.count:
			q.reply <- len(h.sessions[q.sessionID])
		}
	}
}

func (h *Hub) unbind(clientID string) {
	sid, ok := h.bound[clientID]
	if !ok {
		return
	}
	delete(h.bound, clientID)
	if set := h.sessions[sid]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.sessions, sid)
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Bind attaches a joined connection to its session.
func (h *Hub) Bind(c *Client, sessionID string) {
	select {
	case h.bind <- binding{client: c, sessionID: sessionID}:
	case <-h.done:
	}
}

// CloseSession delivers ev to every connection joined to the session except
// exceptID, then closes them.
func (h *Hub) CloseSession(sessionID string, ev SessionClosedEvent, exceptID string) {
	ev.Event = EventSessionClosed
	ev.SessionID = sessionID
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode session_closed")
		return
	}
	select {
	case h.closeSession <- sessionNotice{sessionID: sessionID, payload: payload, exceptID: exceptID}:
	case <-h.done:
	}
}

// Connections returns how many connections are joined to a session.
func (h *Hub) Connections(sessionID string) int {
	q := countQuery{sessionID: sessionID, reply: make(chan int, 1)}
	select {
	case h.count <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}
