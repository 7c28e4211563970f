package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"fadedreams/repairhub/repair-service/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub tracks the sockets connected to this instance by room and by account.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
	users map[domain.Participant]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]bool),
		users: make(map[domain.Participant]map[*Client]bool),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := c.actor.Participant()
	if h.users[p] == nil {
		h.users[p] = make(map[*Client]bool)
	}
	h.users[p][c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := c.actor.Participant()
	if m := h.users[p]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.users, p)
		}
	}
	for id, m := range h.rooms {
		delete(m, c)
		if len(m) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) Join(convID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[convID] == nil {
		h.rooms[convID] = make(map[*Client]bool)
	}
	h.rooms[convID][c] = true
}

func (h *Hub) Leave(convID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.rooms[convID]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.rooms, convID)
		}
	}
}

func snapshot(m map[*Client]bool) []*Client {
	out := make([]*Client, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

// Deliver routes a bus message to the local sockets it addresses.
func (h *Hub) Deliver(msg BusMessage) {
	b, err := json.Marshal(msg.Envelope)
	if err != nil {
		return
	}
	h.mu.RLock()
	var targets []*Client
	if msg.Room != "" {
		targets = snapshot(h.rooms[msg.Room])
	} else if msg.Recipient != nil {
		targets = snapshot(h.users[*msg.Recipient])
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(b)
	}
}

// Connected counts the sockets of this instance.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.users {
		n += len(m)
	}
	return n
}
