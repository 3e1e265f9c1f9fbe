package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/steam-nexus/backend/internal/session"
	"github.com/steam-nexus/backend/internal/steam"
)

// inboundMessage keeps the payload raw so each test can decode the
// shape it expects.
type inboundMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newWSEnv(t *testing.T, authToken string) (*httptest.Server, *Hub, *session.Store) {
	t.Helper()
	platform := steam.NewPlatform([]steam.Account{
		{Username: "mailed", Password: "pw", Guard: steam.GuardEmail, EmailCode: "K7PQ2"},
	}, nil)

	store := session.NewStore(context.Background(), platform.NewClient)
	store.SetPumpInterval(time.Millisecond)
	t.Cleanup(store.StopAll)

	hub := NewHub(store)
	server := NewServer(store, hub, stubCatalog(nil), nil, authToken)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub, store
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) inboundMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading ws message: %v", err)
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding ws message %q: %v", data, err)
	}
	return msg
}

func TestSubscriberReceivesSnapshot(t *testing.T) {
	srv, _, store := newWSEnv(t, "")

	result := store.Create("mailed", "pw")
	sess, _ := store.Get(result.SessionID)
	waitFor(t, "email challenge", sess.GuardEmailPending)

	conn := dialWS(t, srv, "")
	msg := readMessage(t, conn)
	if msg.Type != MsgSnapshot {
		t.Fatalf("first message type = %q, want %q", msg.Type, MsgSnapshot)
	}

	var snap SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if len(snap.Statuses) != 1 {
		t.Fatalf("snapshot has %d statuses, want 1", len(snap.Statuses))
	}
	if snap.Statuses[0].SessionID != result.SessionID || snap.Statuses[0].Status != session.StatusGuardEmail {
		t.Errorf("snapshot entry = %+v", snap.Statuses[0])
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	srv, hub, _ := newWSEnv(t, "")

	conn := dialWS(t, srv, "")
	if msg := readMessage(t, conn); msg.Type != MsgSnapshot {
		t.Fatalf("expected snapshot first, got %q", msg.Type)
	}

	waitFor(t, "subscriber registration", func() bool { return hub.ClientCount() == 1 })
	hub.Publish("abc-123", session.StatusConnected)

	msg := readMessage(t, conn)
	if msg.Type != MsgStatus {
		t.Fatalf("message type = %q, want %q", msg.Type, MsgStatus)
	}
	var status StatusPayload
	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.SessionID != "abc-123" || status.Status != session.StatusConnected {
		t.Errorf("status payload = %+v", status)
	}
}

func TestSubscriberGoneAfterClose(t *testing.T) {
	srv, hub, _ := newWSEnv(t, "")

	conn := dialWS(t, srv, "")
	waitFor(t, "subscriber registration", func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, "subscriber removal", func() bool { return hub.ClientCount() == 0 })
}

func TestWSRequiresToken(t *testing.T) {
	srv, hub, _ := newWSEnv(t, "sekrit")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("dial without token succeeded, want handshake failure")
	}

	conn := dialWS(t, srv, "?token=sekrit")
	defer conn.Close()
	waitFor(t, "subscriber registration", func() bool { return hub.ClientCount() == 1 })
}
