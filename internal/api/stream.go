package api

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"policy-llm/backend/internal/audit"
)

// DecisionEvent is the websocket payload emitted for every recorded decision.
type DecisionEvent struct {
	Type      string    `json:"type"`
	AuditID   string    `json:"auditId"`
	AgentID   string    `json:"agentId"`
	Decision  string    `json:"decision"`
	Action    string    `json:"action,omitempty"`
	Endpoint  string    `json:"endpoint"`
	FailOpen  bool      `json:"policyFailOpen,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient wraps a websocket connection with write locking.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DecisionNotifier keeps track of websocket clients and fans decision events
// out to them. It is an audit.Sink, so events follow the audit write order.
type DecisionNotifier struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    *DecisionEvent
}

// NewDecisionNotifier constructs a notifier instance.
func NewDecisionNotifier() *DecisionNotifier {
	return &DecisionNotifier{clients: make(map[*wsClient]struct{})}
}

// Register attaches a websocket connection and replays the latest event.
func (n *DecisionNotifier) Register(conn *websocket.Conn) *wsClient {
	client := &wsClient{conn: conn}
	n.mu.Lock()
	n.clients[client] = struct{}{}
	last := n.last
	n.mu.Unlock()

	if last != nil {
		_ = client.writeJSON(*last)
	}
	return client
}

// Unregister removes the websocket client and closes the socket.
func (n *DecisionNotifier) Unregister(client *wsClient) {
	if client == nil {
		return
	}
	n.mu.Lock()
	delete(n.clients, client)
	n.mu.Unlock()
	_ = client.conn.Close()
}

// Broadcast sends event to every registered client, dropping the ones that
// fail to accept it.
func (n *DecisionNotifier) Broadcast(event DecisionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	n.mu.Lock()
	snapshot := event
	n.last = &snapshot
	for client := range n.clients {
		if err := client.writeJSON(event); err != nil {
			delete(n.clients, client)
			_ = client.conn.Close()
		}
	}
	n.mu.Unlock()
}

// Write implements audit.Sink.
func (n *DecisionNotifier) Write(ctx context.Context, entry audit.Entry) error {
	n.Broadcast(DecisionEvent{
		Type:      "decision",
		AuditID:   entry.AuditID,
		AgentID:   entry.Request.AgentID,
		Decision:  string(entry.Decision),
		Action:    entry.Action.Action,
		Endpoint:  entry.Request.Endpoint,
		FailOpen:  entry.PolicyEvaluation.FailedOpen(),
		Timestamp: entry.RecordedAt,
	})
	return nil
}

// Clients reports how many sockets are attached.
func (n *DecisionNotifier) Clients() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

func (c *wsClient) writeJSON(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(payload)
}
