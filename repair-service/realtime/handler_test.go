package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/domain"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, issuer *auth.Issuer, actor domain.Actor) *websocket.Conn {
	t.Helper()
	token, err := issuer.Sign(actor)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := NewEnvelope(event, data)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn, want string) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("waiting for %s: %v", want, err)
	}
	if env.Event != want {
		t.Fatalf("got event %s (%s), want %s", env.Event, env.Data, want)
	}
	return env
}

func TestSocketChatEndsWithJob(t *testing.T) {
	logger := discard()
	f := newChat(t, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	bus := NewLocalBus()
	if err := bus.Start(ctx, hub.Deliver); err != nil {
		t.Fatalf("Start: %v", err)
	}
	relay := NewRelay(f.store, f.notes, bus, logger)
	f.notes.Subscribe(relay.PushNotification)
	issuer := auth.NewIssuer("secret", time.Hour)
	srv := httptest.NewServer(NewHandler(ctx, hub, relay, issuer, f.store, nil, logger))
	defer srv.Close()

	cust := dial(t, srv, issuer, customer)
	rep := dial(t, srv, issuer, repairer)

	write(t, cust, EventJoinRoom, JoinRoom{ConversationID: f.conv.ID})
	var past PastMessages
	json.Unmarshal(read(t, cust, EventPastMessages).Data, &past)
	if len(past.Messages) != 1 || past.Messages[0].Text == "" {
		t.Fatalf("past messages = %+v", past)
	}
	write(t, rep, EventJoinRoom, JoinRoom{ConversationID: f.conv.ID})
	read(t, rep, EventPastMessages)

	write(t, cust, EventSendMessage, SendMessage{ConversationID: f.conv.ID, Text: "see you at 5"})
	for _, conn := range []*websocket.Conn{cust, rep} {
		var msg domain.Message
		json.Unmarshal(read(t, conn, EventReceiveMessage).Data, &msg)
		if msg.Text != "see you at 5" || msg.Sender.ID != customer.ID {
			t.Fatalf("received %+v", msg)
		}
	}
	read(t, rep, EventNotification)

	f.finish(t, domain.StatusCompleted)
	write(t, cust, EventSendMessage, SendMessage{ConversationID: f.conv.ID, Text: "one more thing"})
	var ended ChatEnded
	json.Unmarshal(read(t, cust, EventChatEnded).Data, &ended)
	if ended.Status != domain.StatusCompleted {
		t.Fatalf("chat ended with status %q", ended.Status)
	}
	write(t, cust, EventSendMessage, SendMessage{ConversationID: f.conv.ID, Text: "hello?"})
	read(t, cust, EventChatEnded)

	msgs, _ := f.store.ListMessages(context.Background(), f.conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestSocketSendBeforeJoinIsAnError(t *testing.T) {
	logger := discard()
	f := newChat(t, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	bus := NewLocalBus()
	bus.Start(ctx, hub.Deliver)
	issuer := auth.NewIssuer("secret", time.Hour)
	srv := httptest.NewServer(NewHandler(ctx, hub, NewRelay(f.store, f.notes, bus, logger), issuer, f.store, nil, logger))
	defer srv.Close()

	conn := dial(t, srv, issuer, customer)
	write(t, conn, EventSendMessage, SendMessage{ConversationID: f.conv.ID, Text: "hi"})
	var ce ChatError
	json.Unmarshal(read(t, conn, EventChatError).Data, &ce)
	if !strings.Contains(ce.Error, "join") {
		t.Fatalf("chat error = %q", ce.Error)
	}
}

func TestSocketRequiresSession(t *testing.T) {
	logger := discard()
	f := newChat(t, logger)
	issuer := auth.NewIssuer("secret", time.Hour)
	srv := httptest.NewServer(NewHandler(context.Background(), NewHub(), NewRelay(f.store, f.notes, NewLocalBus(), logger), issuer, f.store, nil, logger))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("dial without a session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}
