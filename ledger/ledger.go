/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Per-tenant append-only hash-chained event ledger.
             Append serializes on the tenant lock, links each
             event to its predecessor's hash, and maintains a
             chain-head record plus secondary indexes. Chain
             verification walks a range recomputing hashes;
             a detected break quarantines the tenant's write
             path when configured.
Root Cause:  Sprint task L010 — tamper-evident event ledger.
Context:     Every accepted mutation lands here exactly once.
             Sequence contiguity and hash linkage are the two
             invariants auditors replay against.
Suitability: L4 — integrity-critical storage semantics.
──────────────────────────────────────────────────────────────
*/

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/locking"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

// Event types recorded in the ledger.
const (
	EventCreated             = "CREATED"
	EventUpdated             = "UPDATED"
	EventDeleted             = "DELETED"
	EventFundsReserved       = "FUNDS_RESERVED"
	EventFundsSettled        = "FUNDS_SETTLED"
	EventFundsReleased       = "FUNDS_RELEASED"
	EventTaxDeductionEstimated = "TAX_DEDUCTION_ESTIMATED"
)

var (
	// ErrQuarantined rejects appends on a tenant whose chain failed
	// verification. Reads remain available.
	ErrQuarantined = errors.New("ledger: tenant quarantined after chain corruption")
	// ErrEventNotFound is returned by lookups for unknown events.
	ErrEventNotFound = errors.New("ledger: event not found")
)

// Metadata carries request-scoped attribution stored with every event.
type Metadata struct {
	DeviceID      string `json:"deviceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// Event is one immutable record in a tenant's append-only sequence.
type Event struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenantId"`
	Sequence        int64                  `json:"sequence"`
	Type            string                 `json:"type"`
	EntityType      string                 `json:"entityType"`
	EntityID        string                 `json:"entityId"`
	Payload         map[string]interface{} `json:"payload"`
	AuthorID        string                 `json:"authorId"`
	PreviousEventID string                 `json:"previousEventId"`
	PreviousHash    string                 `json:"previousHash"`
	CurrentHash     string                 `json:"currentHash"`
	Metadata        Metadata               `json:"metadata"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// head is the persisted chain-head record per tenant.
type head struct {
	LastSequence int64  `json:"lastSequence"`
	LastHash     string `json:"lastHash"`
	LastEventID  string `json:"lastEventId"`
	Quarantined  bool   `json:"quarantined"`
}

// VerifyResult reports a chain verification outcome. FirstCorruption is
// zero when the range is intact.
type VerifyResult struct {
	Valid           bool  `json:"valid"`
	FirstCorruption int64 `json:"firstCorruption,omitempty"`
}

// Ledger is the per-tenant append-only store.
type Ledger struct {
	backend storage.Backend
	locks   *locking.KeyedMutex
	logger  zerolog.Logger

	quarantineOnCorruption bool

	mu    sync.Mutex
	heads map[string]*head
}

// New builds a Ledger over the given backend. Appends for one tenant
// serialize on the per-tenant lock; tenants never contend with each other.
func New(backend storage.Backend, locks *locking.KeyedMutex, logger zerolog.Logger, quarantineOnCorruption bool) *Ledger {
	return &Ledger{
		backend:                backend,
		locks:                  locks,
		logger:                 logger.With().Str("component", "ledger").Logger(),
		quarantineOnCorruption: quarantineOnCorruption,
		heads:                  make(map[string]*head),
	}
}

// Append atomically assigns the next sequence, links the hash chain, and
// persists the event plus its indexes, all under the tenant lock.
func (l *Ledger) Append(ctx context.Context, tenantID, entityType, entityID, eventType string,
	payload map[string]interface{}, authorID string, meta Metadata) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := l.locks.Lock(tenantID)
	defer unlock()

	h, err := l.loadHead(tenantID)
	if err != nil {
		return nil, err
	}
	if h.Quarantined && l.quarantineOnCorruption {
		return nil, ErrQuarantined
	}

	seq := h.LastSequence + 1
	prevHash := h.LastHash
	prevEventID := h.LastEventID
	if seq == 1 {
		prevHash = hashchain.Genesis
		prevEventID = ""
	}

	currentHash, err := hashchain.EventHash(payload, prevHash, seq)
	if err != nil {
		return nil, fmt.Errorf("hash event seq %d: %w", seq, err)
	}

	ev := &Event{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Sequence:        seq,
		Type:            eventType,
		EntityType:      entityType,
		EntityID:        entityID,
		Payload:         payload,
		AuthorID:        authorID,
		PreviousEventID: prevEventID,
		PreviousHash:    prevHash,
		CurrentHash:     currentHash,
		Metadata:        meta,
		CreatedAt:       time.Now().UTC(),
	}

	if err := l.persist(ev, h); err != nil {
		// Nothing committed at head level; the journal drainer retries.
		return nil, err
	}

	l.logger.Debug().
		Str("tenant", tenantID).
		Int64("seq", seq).
		Str("type", eventType).
		Str("entity", entityID).
		Msg("ledger append")

	return ev, nil
}

func (l *Ledger) persist(ev *Event, h *head) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := storage.KeyLedger(ev.TenantID, ev.Sequence)
	if err := l.backend.Put(key, raw); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	if err := l.backend.Put(storage.KeyLedgerEntityIndex(ev.EntityID, ev.Sequence), []byte(key)); err != nil {
		return fmt.Errorf("persist entity index: %w", err)
	}
	if err := l.backend.Put(storage.KeyLedgerHashIndex(ev.TenantID, ev.CurrentHash), []byte(strconv.FormatInt(ev.Sequence, 10))); err != nil {
		return fmt.Errorf("persist hash index: %w", err)
	}
	if err := l.backend.Put(storage.KeyLedgerEventID(ev.ID), []byte(key)); err != nil {
		return fmt.Errorf("persist id index: %w", err)
	}

	next := &head{LastSequence: ev.Sequence, LastHash: ev.CurrentHash, LastEventID: ev.ID}
	if err := l.putHead(ev.TenantID, next); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) putHead(tenantID string, h *head) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode head: %w", err)
	}
	if err := l.backend.Put(storage.KeyLedgerHead(tenantID), raw); err != nil {
		return fmt.Errorf("persist head: %w", err)
	}
	l.mu.Lock()
	l.heads[tenantID] = h
	l.mu.Unlock()
	return nil
}

// loadHead returns the cached head or reads and validates it from storage.
// First load cross-checks the head against the actual tail event; a partial
// write (missing tail or hash mismatch) quarantines the tenant.
func (l *Ledger) loadHead(tenantID string) (*head, error) {
	l.mu.Lock()
	if h, ok := l.heads[tenantID]; ok {
		l.mu.Unlock()
		return h, nil
	}
	l.mu.Unlock()

	h := &head{}
	raw, err := l.backend.Get(storage.KeyLedgerHead(tenantID))
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		// Fresh tenant unless orphaned events exist (crash before the head
		// write). Detect by scanning for any event.
		tail, scanErr := l.lastStoredEvent(tenantID)
		if scanErr != nil {
			return nil, scanErr
		}
		if tail != nil {
			l.logger.Error().Str("tenant", tenantID).Int64("seq", tail.Sequence).
				Msg("orphaned ledger tail without head record — quarantining")
			h = &head{LastSequence: tail.Sequence, LastHash: tail.CurrentHash, LastEventID: tail.ID, Quarantined: true}
		}
	case err != nil:
		return nil, fmt.Errorf("load ledger head: %w", err)
	default:
		if err := json.Unmarshal(raw, h); err != nil {
			return nil, fmt.Errorf("decode ledger head: %w", err)
		}
		if h.LastSequence > 0 && !h.Quarantined {
			if err := l.validateTail(tenantID, h); err != nil {
				l.logger.Error().Err(err).Str("tenant", tenantID).Msg("ledger tail validation failed — quarantining")
				h.Quarantined = true
			}
		}
	}

	l.mu.Lock()
	l.heads[tenantID] = h
	l.mu.Unlock()
	return h, nil
}

func (l *Ledger) validateTail(tenantID string, h *head) error {
	ev, err := l.eventAt(tenantID, h.LastSequence)
	if err != nil {
		return fmt.Errorf("tail event seq %d: %w", h.LastSequence, err)
	}
	if ev.CurrentHash != h.LastHash || ev.ID != h.LastEventID {
		return fmt.Errorf("tail mismatch at seq %d", h.LastSequence)
	}
	recomputed, err := hashchain.EventHash(ev.Payload, ev.PreviousHash, ev.Sequence)
	if err != nil {
		return err
	}
	if recomputed != ev.CurrentHash {
		return fmt.Errorf("tail hash mismatch at seq %d", h.LastSequence)
	}
	return nil
}

func (l *Ledger) lastStoredEvent(tenantID string) (*Event, error) {
	var tail *Event
	err := l.backend.ScanReverse(storage.PrefixLedgerTenant(tenantID), func(_ string, val []byte) (bool, error) {
		ev := &Event{}
		if err := json.Unmarshal(val, ev); err != nil {
			return false, fmt.Errorf("decode event: %w", err)
		}
		tail = ev
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return tail, nil
}

func (l *Ledger) eventAt(tenantID string, seq int64) (*Event, error) {
	raw, err := l.backend.Get(storage.KeyLedger(tenantID, seq))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev := &Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode event seq %d: %w", seq, err)
	}
	return ev, nil
}

// FindLast returns the tenant's newest event, or nil for an empty ledger.
func (l *Ledger) FindLast(ctx context.Context, tenantID string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := l.loadHead(tenantID)
	if err != nil {
		return nil, err
	}
	if h.LastSequence == 0 {
		return nil, nil
	}
	return l.eventAt(tenantID, h.LastSequence)
}

// Range returns events with startSeq ≤ seq ≤ endSeq in sequence order.
func (l *Ledger) Range(ctx context.Context, tenantID string, startSeq, endSeq int64) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if startSeq < 1 {
		startSeq = 1
	}
	var out []*Event
	err := l.backend.Scan(storage.PrefixLedgerTenant(tenantID), func(_ string, val []byte) (bool, error) {
		ev := &Event{}
		if err := json.Unmarshal(val, ev); err != nil {
			return false, fmt.Errorf("decode event: %w", err)
		}
		if ev.Sequence < startSeq {
			return true, nil
		}
		if ev.Sequence > endSeq {
			return false, nil
		}
		out = append(out, ev)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryFor returns every event referencing the entity, ordered by seq.
func (l *Ledger) HistoryFor(ctx context.Context, entityID string) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*Event
	err := l.backend.Scan(storage.PrefixLedgerEntityIndex(entityID), func(_ string, ref []byte) (bool, error) {
		raw, err := l.backend.Get(string(ref))
		if errors.Is(err, storage.ErrKeyNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		ev := &Event{}
		if err := json.Unmarshal(raw, ev); err != nil {
			return false, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindByID resolves one event via the id index.
func (l *Ledger) FindByID(ctx context.Context, eventID string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := l.backend.Get(storage.KeyLedgerEventID(eventID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := l.backend.Get(string(ref))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev := &Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// VerifyChain recomputes hashes and linkage over [startSeq, endSeq] and
// reports the first corrupted sequence, if any. A break quarantines the
// tenant when quarantineOnCorruption is set.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string, startSeq, endSeq int64) (VerifyResult, error) {
	if startSeq < 1 {
		startSeq = 1
	}
	if endSeq == 0 {
		h, err := l.loadHead(tenantID)
		if err != nil {
			return VerifyResult{}, err
		}
		endSeq = h.LastSequence
	}
	if endSeq < startSeq {
		return VerifyResult{Valid: true}, nil
	}

	var prev *Event
	if startSeq > 1 {
		p, err := l.eventAt(tenantID, startSeq-1)
		if err != nil {
			return VerifyResult{}, err
		}
		prev = p
	}

	for seq := startSeq; seq <= endSeq; seq++ {
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, err
		}
		ev, err := l.eventAt(tenantID, seq)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				return l.corrupted(tenantID, seq), nil
			}
			return VerifyResult{}, err
		}
		if ev.Sequence != seq {
			return l.corrupted(tenantID, seq), nil
		}
		wantPrevHash := hashchain.Genesis
		wantPrevID := ""
		if prev != nil {
			wantPrevHash = prev.CurrentHash
			wantPrevID = prev.ID
		}
		if ev.PreviousHash != wantPrevHash || (prev != nil && ev.PreviousEventID != wantPrevID) {
			return l.corrupted(tenantID, seq), nil
		}
		recomputed, err := hashchain.EventHash(ev.Payload, ev.PreviousHash, ev.Sequence)
		if err != nil {
			return VerifyResult{}, err
		}
		if recomputed != ev.CurrentHash {
			return l.corrupted(tenantID, seq), nil
		}
		prev = ev
	}
	return VerifyResult{Valid: true}, nil
}

func (l *Ledger) corrupted(tenantID string, seq int64) VerifyResult {
	l.logger.Error().Str("tenant", tenantID).Int64("seq", seq).Msg("ledger chain corruption detected")
	if l.quarantineOnCorruption {
		l.Quarantine(tenantID)
	}
	return VerifyResult{Valid: false, FirstCorruption: seq}
}

// Quarantine blocks further appends for the tenant until Repair.
func (l *Ledger) Quarantine(tenantID string) {
	l.mu.Lock()
	h, ok := l.heads[tenantID]
	l.mu.Unlock()
	if !ok {
		loaded, err := l.loadHead(tenantID)
		if err != nil {
			return
		}
		h = loaded
	}
	if h.Quarantined {
		return
	}
	h.Quarantined = true
	if err := l.putHead(tenantID, h); err != nil {
		l.logger.Error().Err(err).Str("tenant", tenantID).Msg("persist quarantine flag")
	}
}

// IsQuarantined reports the tenant's quarantine flag.
func (l *Ledger) IsQuarantined(tenantID string) bool {
	h, err := l.loadHead(tenantID)
	if err != nil {
		return false
	}
	return h.Quarantined
}

// Repair clears the quarantine flag. Human-triggered only; the chain must
// have been fixed out of band first.
func (l *Ledger) Repair(ctx context.Context, tenantID string) error {
	res, err := l.VerifyChain(ctx, tenantID, 1, 0)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("ledger: chain still corrupt at seq %d", res.FirstCorruption)
	}
	h, err := l.loadHead(tenantID)
	if err != nil {
		return err
	}
	h.Quarantined = false
	return l.putHead(tenantID, h)
}
