package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/regexner/internal/ner"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeAnnotation is sent after a corpus has been annotated
	EventTypeAnnotation EventType = "annotation"
	// EventTypeRulesReloaded is sent when a new rule table is in use
	EventTypeRulesReloaded EventType = "rules_reloaded"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// NewEvent stamps an event with the current time
func NewEvent(eventType EventType, data interface{}) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Data: data}
}

// AnnotationEvent summarises one annotated corpus
type AnnotationEvent struct {
	RequestID    string         `json:"request_id"`
	CorpusID     string         `json:"corpus_id,omitempty"`
	ClientIP     string         `json:"client_ip,omitempty"`
	Sentences    int            `json:"sentences"`
	Tokens       int            `json:"tokens"`
	Mentions     []ner.Mention  `json:"mentions"`
	Labels       map[string]int `json:"labels"`
	CacheHits    int            `json:"cache_hits"`
	ProcessingMS float64        `json:"processing_ms"`
}

// RulesReloadedEvent describes the rule table now in use
type RulesReloadedEvent struct {
	Rules       int      `json:"rules"`
	Labels      []string `json:"labels"`
	Fingerprint string   `json:"fingerprint"`
	IgnoreCase  bool     `json:"ignore_case"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string    `json:"status"`
	Uptime           string    `json:"uptime"`
	TotalRequests    int64     `json:"total_requests"`
	ActiveRules      int       `json:"active_rules"`
	ConnectedClients int       `json:"connected_clients"`
	Annotator        ner.Stats `json:"annotator"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows annotation events down to the labels a client cares about
type EventFilter struct {
	Labels    []string `json:"labels,omitempty"`
	CorpusIDs []string `json:"corpus_ids,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan Event

	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

func (c *Client) setSubscription(sub *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = sub
}

func (c *Client) getSubscription() *SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}
