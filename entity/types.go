/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Materialized projection model: the current state
             of every managed domain object plus the mutation
             capture contract all write paths go through.
Root Cause:  Sprint task L004 — typed entity projections.
Context:     Projections are the read side; the ledger is the
             source of truth. Version, vector clock, and the
             ledger back-references let clients observe when
             an acknowledged write has landed.
Suitability: L3 — data model plumbing.
──────────────────────────────────────────────────────────────
*/

package entity

import (
	"context"
	"time"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
)

// MutationKind classifies a write for the interceptor.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Meta carries request attribution through the write pipeline.
type Meta struct {
	DeviceID      string `json:"deviceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// ConflictRecord retains a losing concurrent write for operator inspection.
type ConflictRecord struct {
	DeviceID  string                 `json:"deviceId,omitempty"`
	AuthorID  string                 `json:"authorId"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Entity is the current projection of one managed domain object.
type Entity struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Type     string `json:"type"`

	Value map[string]interface{} `json:"value"`

	Version           int64             `json:"version"`
	VectorClock       clock.VectorClock `json:"vectorClock"`
	LedgerSequence    int64             `json:"ledgerSequence"`
	LastLedgerEventID string            `json:"lastLedgerEventId"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	Conflicts []ConflictRecord `json:"conflicts,omitempty"`

	// ProcessingLog records at-rest corrections (vault migrations) that are
	// not semantic mutations and therefore have no ledger event.
	ProcessingLog []string `json:"processingLog,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Mutation is what the store hands the interceptor for every write.
// Old is nil on create; New is the post-mutation value and may be
// rewritten in place (sensitive-field encryption) before capture.
type Mutation struct {
	Kind       MutationKind
	TenantID   string
	EntityType string
	EntityID   string
	Old        map[string]interface{}
	New        map[string]interface{}
	AuthorID   string
	Meta       Meta
	DeletedAt  *time.Time
}

// CaptureResult reports where the mutation landed in the ledger.
type CaptureResult struct {
	Sequence int64
	EventID  string
}

// Interceptor is the sole path that emits ledger events for entity writes.
type Interceptor interface {
	Capture(ctx context.Context, m *Mutation) (CaptureResult, error)
}
