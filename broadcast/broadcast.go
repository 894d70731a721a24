/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Outbound entity-change fan-out. The core publishes
             through an opaque Publisher; deployments wire the
             Redis pub/sub implementation, tests and single-node
             setups use the in-memory bus. A websocket hub
             relays published messages to connected clients.
Root Cause:  Sprint task L030 — cross-device change delivery.
Context:     Clients learn a write landed by observing the
             entity's ledgerSequence or one of these messages.
Suitability: L2 — messaging glue.
──────────────────────────────────────────────────────────────
*/

package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Message types published on entity mutations.
const (
	TypeEntityCreated = "entity_created"
	TypeEntityUpdated = "entity_updated"
	TypeEntityDeleted = "entity_deleted"
)

// Message is the wire shape of an outbound change notification.
type Message struct {
	Type           string                 `json:"type"`
	TenantID       string                 `json:"tenant"`
	EntityType     string                 `json:"entityType"`
	EntityID       string                 `json:"entityId"`
	Entity         map[string]interface{} `json:"entity,omitempty"`
	LedgerSequence int64                  `json:"ledgerSequence"`
}

// Publisher delivers messages to an opaque pub-sub. Implementations must
// tolerate slow or absent consumers without blocking the write path.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// ─── In-Memory Bus ──────────────────────────────────────────

// Memory is a process-local Publisher with subscriber channels. Slow
// subscribers drop messages rather than stalling publishers.
type Memory struct {
	mu     sync.RWMutex
	subs   []chan Message
	logger zerolog.Logger
}

func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{logger: logger.With().Str("component", "broadcast").Logger()}
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- msg:
		default:
			m.logger.Warn().Str("type", msg.Type).Str("entity", msg.EntityID).
				Msg("broadcast subscriber full — message dropped")
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving future messages.
func (m *Memory) Subscribe(buffer int) <-chan Message {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	return nil
}

// ─── Helpers ────────────────────────────────────────────────

// Encode renders a message for transports that carry raw bytes.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
