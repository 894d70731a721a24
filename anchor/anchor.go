/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Periodic Merkle anchoring. For each tenant, reads
             the ledger events since the last anchor, builds a
             root over their hashes, links it to the previous
             root, and persists the anchor. Reruns with no new
             events are no-ops. Anchor chain verification
             cross-checks roots and linkage and raises an
             alert on mismatch.
Root Cause:  Sprint task L015 — periodic integrity anchoring.
Context:     Anchors bound how much history an auditor must
             replay to trust the chain.
Suitability: L3 — deterministic batch worker.
──────────────────────────────────────────────────────────────
*/

package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/merkle"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/notify"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

// ErrNoAnchor is returned when a tenant has no anchor covering a sequence.
var ErrNoAnchor = errors.New("anchor: no anchor covers the requested event")

// Anchor is a Merkle root over a contiguous ledger range, chained to its
// predecessor. Immutable once verified.
type Anchor struct {
	TenantID      string    `json:"tenantId"`
	StartSequence int64     `json:"startSequence"`
	EndSequence   int64     `json:"endSequence"`
	RootHash      string    `json:"rootHash"`
	PrevRootHash  string    `json:"prevRootHash"`
	EventCount    int       `json:"eventCount"`
	TreeDepth     int       `json:"treeDepth"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Proof is the response to a proof request: the sibling path from one
// event's hash up to the root of its containing anchor.
type Proof struct {
	RootHash        string             `json:"rootHash"`
	Steps           []merkle.ProofStep `json:"proof"`
	ContainingAnchor *Anchor           `json:"containingAnchor"`
}

// Worker builds and verifies anchors.
type Worker struct {
	backend storage.Backend
	ledger  *ledger.Ledger
	alerter notify.Alerter
	logger  zerolog.Logger
}

func NewWorker(backend storage.Backend, l *ledger.Ledger, alerter notify.Alerter, logger zerolog.Logger) *Worker {
	return &Worker{
		backend: backend,
		ledger:  l,
		alerter: alerter,
		logger:  logger.With().Str("component", "anchor_worker").Logger(),
	}
}

// LastAnchor returns the tenant's newest anchor, or nil.
func (w *Worker) LastAnchor(tenantID string) (*Anchor, error) {
	raw, err := w.backend.Get(storage.KeyAnchorHead(tenantID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a := &Anchor{}
	if err := json.Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("decode anchor head: %w", err)
	}
	return a, nil
}

// RunTenant anchors the tenant's un-anchored ledger suffix. Returns the
// new anchor, or nil when there is nothing to anchor.
func (w *Worker) RunTenant(ctx context.Context, tenantID string) (*Anchor, error) {
	last, err := w.LastAnchor(tenantID)
	if err != nil {
		return nil, err
	}

	startSeq := int64(1)
	prevRoot := hashchain.Genesis
	if last != nil {
		startSeq = last.EndSequence + 1
		prevRoot = last.RootHash
	}

	tail, err := w.ledger.FindLast(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tail == nil || tail.Sequence < startSeq {
		return nil, nil
	}
	endSeq := tail.Sequence

	events, err := w.ledger.Range(ctx, tenantID, startSeq, endSeq)
	if err != nil {
		return nil, err
	}
	if int64(len(events)) != endSeq-startSeq+1 {
		// Holes in the range mean corruption; refuse to anchor over it.
		w.alerter.Alert(notify.KindChainCorruption, tenantID,
			fmt.Sprintf("anchor range [%d,%d] returned %d events", startSeq, endSeq, len(events)))
		return nil, fmt.Errorf("anchor: range [%d,%d] incomplete for tenant %s", startSeq, endSeq, tenantID)
	}

	hashes := make([]string, len(events))
	for i, ev := range events {
		hashes[i] = ev.CurrentHash
	}

	a := &Anchor{
		TenantID:      tenantID,
		StartSequence: startSeq,
		EndSequence:   endSeq,
		RootHash:      merkle.BuildRoot(hashes),
		PrevRootHash:  prevRoot,
		EventCount:    len(hashes),
		TreeDepth:     merkle.TreeDepth(len(hashes)),
		Verified:      true,
		CreatedAt:     time.Now().UTC(),
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode anchor: %w", err)
	}
	if err := w.backend.Put(storage.KeyAnchor(tenantID, endSeq), raw); err != nil {
		return nil, fmt.Errorf("persist anchor: %w", err)
	}
	if err := w.backend.Put(storage.KeyAnchorHead(tenantID), raw); err != nil {
		return nil, fmt.Errorf("persist anchor head: %w", err)
	}

	w.logger.Info().Str("tenant", tenantID).
		Int64("start", startSeq).Int64("end", endSeq).
		Str("root", a.RootHash).Msg("merkle anchor written")
	return a, nil
}

// Anchors lists a tenant's anchors in end-sequence order.
func (w *Worker) Anchors(tenantID string) ([]*Anchor, error) {
	var out []*Anchor
	err := w.backend.Scan(storage.PrefixAnchorTenant(tenantID), func(_ string, raw []byte) (bool, error) {
		a := &Anchor{}
		if err := json.Unmarshal(raw, a); err != nil {
			return false, fmt.Errorf("decode anchor: %w", err)
		}
		out = append(out, a)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyAnchors recomputes every anchor root and checks chain linkage.
// A mismatch raises an alert and is reported, not repaired.
func (w *Worker) VerifyAnchors(ctx context.Context, tenantID string) error {
	anchors, err := w.Anchors(tenantID)
	if err != nil {
		return err
	}
	prevRoot := hashchain.Genesis
	var prevEnd int64
	for _, a := range anchors {
		if a.StartSequence != prevEnd+1 || a.PrevRootHash != prevRoot {
			w.alerter.Alert(notify.KindAnchorMismatch, tenantID,
				fmt.Sprintf("anchor [%d,%d] does not chain to its predecessor", a.StartSequence, a.EndSequence))
			return fmt.Errorf("anchor: chain break at [%d,%d]", a.StartSequence, a.EndSequence)
		}
		events, err := w.ledger.Range(ctx, tenantID, a.StartSequence, a.EndSequence)
		if err != nil {
			return err
		}
		hashes := make([]string, len(events))
		for i, ev := range events {
			hashes[i] = ev.CurrentHash
		}
		if merkle.BuildRoot(hashes) != a.RootHash {
			w.alerter.Alert(notify.KindAnchorMismatch, tenantID,
				fmt.Sprintf("anchor [%d,%d] root mismatch", a.StartSequence, a.EndSequence))
			return fmt.Errorf("anchor: root mismatch at [%d,%d]", a.StartSequence, a.EndSequence)
		}
		prevRoot = a.RootHash
		prevEnd = a.EndSequence
	}
	return nil
}

// ProveEvent builds an inclusion proof for the event inside its
// containing anchor's range.
func (w *Worker) ProveEvent(ctx context.Context, tenantID, eventID string) (*Proof, error) {
	ev, err := w.ledger.FindByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.TenantID != tenantID {
		return nil, ledger.ErrEventNotFound
	}

	anchors, err := w.Anchors(tenantID)
	if err != nil {
		return nil, err
	}
	var containing *Anchor
	for _, a := range anchors {
		if a.StartSequence <= ev.Sequence && ev.Sequence <= a.EndSequence {
			containing = a
			break
		}
	}
	if containing == nil {
		return nil, ErrNoAnchor
	}

	events, err := w.ledger.Range(ctx, tenantID, containing.StartSequence, containing.EndSequence)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(events))
	for i, e := range events {
		hashes[i] = e.CurrentHash
	}
	steps, err := merkle.GenerateProof(hashes, int(ev.Sequence-containing.StartSequence))
	if err != nil {
		return nil, err
	}
	return &Proof{RootHash: containing.RootHash, Steps: steps, ContainingAnchor: containing}, nil
}
