package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one authenticated socket.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	relay  *Relay
	actor  domain.Actor
	logger *slog.Logger
	send   chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once

	// rooms is only touched by readPump
	rooms map[string]RoomState
}

func newClient(h *Hub, relay *Relay, actor domain.Actor, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		hub:    h,
		relay:  relay,
		actor:  actor,
		logger: logger.With("clientID", id, "actorKind", actor.Kind, "actorID", actor.ID),
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		rooms:  make(map[string]RoomState),
	}
}

func (c *Client) enqueue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// slow consumer
		go c.Close()
	}
}

func (c *Client) emit(event string, data any) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		c.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) chatError(convID string, err error) {
	msg := err.Error()
	if !domain.IsValidation(err) && !domain.IsAuthorization(err) && !domain.IsNotFound(err) {
		msg = "internal error"
		c.logger.Error("Chat event failed", "conversationID", convID, "error", err)
	}
	c.emit(EventChatError, ChatError{ConversationID: convID, Error: msg})
}

func (c *Client) end(convID string, status domain.Status) {
	c.rooms[convID] = RoomEnded
	c.hub.Leave(convID, c)
	c.emit(EventChatEnded, ChatEnded{ConversationID: convID, Status: status})
}

func (c *Client) handle(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventJoinRoom:
		var in JoinRoom
		if err := json.Unmarshal(env.Data, &in); err != nil {
			c.chatError("", domain.ValidationError{Field: "data", Msg: "malformed joinRoom"})
			return
		}
		joined, err := c.relay.Join(ctx, c.actor, in.ConversationID)
		if err != nil {
			c.chatError(in.ConversationID, err)
			return
		}
		convID := joined.Conversation.ID
		if joined.Ended() {
			c.emit(EventPastMessages, PastMessages{ConversationID: convID, Messages: joined.Messages})
			c.end(convID, joined.Status)
			return
		}
		// join before replaying history so no broadcast falls in between
		c.rooms[convID] = RoomJoined
		c.hub.Join(convID, c)
		c.emit(EventPastMessages, PastMessages{ConversationID: convID, Messages: joined.Messages})

	case EventSendMessage:
		var in SendMessage
		if err := json.Unmarshal(env.Data, &in); err != nil {
			c.chatError("", domain.ValidationError{Field: "data", Msg: "malformed sendMessage"})
			return
		}
		switch c.rooms[in.ConversationID] {
		case RoomJoined, RoomMessaging:
		case RoomEnded:
			c.emit(EventChatEnded, ChatEnded{ConversationID: in.ConversationID})
			return
		default:
			c.chatError(in.ConversationID, domain.ValidationError{Field: "conversationId", Msg: "join the room first"})
			return
		}
		_, err := c.relay.Send(ctx, c.actor, in)
		var ended EndedError
		switch {
		case err == nil:
			c.rooms[in.ConversationID] = RoomMessaging
		case errors.As(err, &ended):
			c.end(in.ConversationID, ended.Status)
		default:
			c.chatError(in.ConversationID, err)
		}

	default:
		c.chatError("", domain.ValidationError{Field: "event", Msg: "unknown event " + env.Event})
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()
	c.conn.SetReadLimit(16 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Socket read failed", "error", err)
			}
			return
		}
		c.handle(ctx, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() { ticker.Stop(); c.conn.Close() }()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close detaches the client from the hub and stops its pumps.
func (c *Client) Close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		close(c.done)
	})
}
