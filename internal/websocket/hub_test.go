package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type receivedEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, cfg *HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) receivedEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev receivedEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

func TestHubBroadcast(t *testing.T) {
	hub, srv := startHub(t, &HubConfig{BroadcastAnnotations: true})

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	// rules events are disabled and must not reach the client
	hub.BroadcastEvent(NewEvent(EventTypeRulesReloaded, RulesReloadedEvent{Rules: 3}))
	hub.BroadcastEvent(NewEvent(EventTypeAnnotation, AnnotationEvent{
		RequestID: "req-1",
		Sentences: 2,
		Labels:    map[string]int{"PERSON": 1},
	}))

	ev := readEvent(t, conn)
	if ev.Type != EventTypeAnnotation {
		t.Fatalf("Expected annotation event, got %s", ev.Type)
	}
	var data AnnotationEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to decode annotation event: %v", err)
	}
	if data.RequestID != "req-1" || data.Sentences != 2 || data.Labels["PERSON"] != 1 {
		t.Errorf("Unexpected annotation event: %+v", data)
	}

	stats := hub.GetStats()
	if stats.TotalConnections != 1 || stats.TotalMessages != 1 {
		t.Errorf("Expected 1 connection and 1 message, got %+v", stats)
	}
}

func TestHubConnectionEvents(t *testing.T) {
	hub, srv := startHub(t, &HubConfig{BroadcastConnections: true})

	first, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer first.Close()
	waitForClients(t, hub, 1)

	second, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitForClients(t, hub, 2)

	ev := readEvent(t, first)
	if ev.Type != EventTypeConnection {
		t.Fatalf("Expected connection event, got %s", ev.Type)
	}
	var data ConnectionEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Action != "connected" || data.ClientID == "" {
		t.Errorf("Unexpected connection event: %+v", data)
	}

	second.Close()
	waitForClients(t, hub, 1)

	ev = readEvent(t, first)
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Action != "disconnected" {
		t.Errorf("Expected disconnected action, got %q", data.Action)
	}
}

func TestHubAuth(t *testing.T) {
	hub, srv := startHub(t, &HubConfig{Username: "admin", Password: "secret"})

	t.Run("NoCredentials", func(t *testing.T) {
		_, resp, err := dial(t, srv, nil)
		if err == nil {
			t.Fatal("Expected dial to fail without credentials")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %v", resp)
		}
	})

	t.Run("WrongPassword", func(t *testing.T) {
		header := http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte("admin:nope"))}}
		if _, _, err := dial(t, srv, header); err == nil {
			t.Error("Expected dial to fail with wrong password")
		}
	})

	t.Run("Valid", func(t *testing.T) {
		header := http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte("admin:secret"))}}
		conn, _, err := dial(t, srv, header)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer conn.Close()
		waitForClients(t, hub, 1)
	})
}

func TestHubMaxConnections(t *testing.T) {
	hub, srv := startHub(t, &HubConfig{MaxConnections: 1})

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	_, resp, err := dial(t, srv, nil)
	if err == nil {
		t.Fatal("Expected second dial to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %v", resp)
	}
}

func TestHubStop(t *testing.T) {
	hub := NewHub(&HubConfig{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected connection to be closed after hub stop")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after stop, got %d", hub.ClientCount())
	}
}

func TestWants(t *testing.T) {
	annotation := NewEvent(EventTypeAnnotation, AnnotationEvent{
		CorpusID: "doc-1",
		Labels:   map[string]int{"PERSON": 2},
	})
	rules := NewEvent(EventTypeRulesReloaded, RulesReloadedEvent{})

	tests := []struct {
		name  string
		sub   *SubscriptionRequest
		event Event
		want  bool
	}{
		{"NoSubscription", nil, annotation, true},
		{"EventNotListed", &SubscriptionRequest{Events: []EventType{EventTypeRulesReloaded}}, annotation, false},
		{"EventListed", &SubscriptionRequest{Events: []EventType{EventTypeRulesReloaded}}, rules, true},
		{"LabelMatch", &SubscriptionRequest{
			Events: []EventType{EventTypeAnnotation},
			Filter: &EventFilter{Labels: []string{"ORGANIZATION", "PERSON"}},
		}, annotation, true},
		{"LabelMiss", &SubscriptionRequest{
			Events: []EventType{EventTypeAnnotation},
			Filter: &EventFilter{Labels: []string{"ORGANIZATION"}},
		}, annotation, false},
		{"CorpusMiss", &SubscriptionRequest{
			Events: []EventType{EventTypeAnnotation},
			Filter: &EventFilter{CorpusIDs: []string{"doc-2"}},
		}, annotation, false},
		{"FilterIgnoredForOtherEvents", &SubscriptionRequest{
			Events: []EventType{EventTypeRulesReloaded},
			Filter: &EventFilter{Labels: []string{"ORGANIZATION"}},
		}, rules, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := &Client{}
			client.setSubscription(tc.sub)
			if got := wants(client, tc.event); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"RemoteAddr", nil, "10.0.0.1:5555", "10.0.0.1"},
		{"ForwardedFor", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.1:5555", "1.2.3.4"},
		{"RealIP", map[string]string{"X-Real-IP": "5.6.7.8"}, "10.0.0.1:5555", "5.6.7.8"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}
