/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       HTTP glue translating inbound requests to core
             calls: mutation enqueue with optimistic ack,
             projection reads, chain verification, forensic
             replay, Merkle proofs, funds reservations, and
             ledger repair. Maps the core's error kinds to
             HTTP statuses; programming errors surface as an
             opaque internal error.
Root Cause:  Sprint task L035 — external interface glue.
Context:     Authentication, CORS, and rate limiting are the
             edge gateway's job; this surface is internal.
Suitability: L3 — request translation layer.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/anchor"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/core"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/delta"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/funds"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/journal"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
)

// Handlers exposes the core over HTTP.
type Handlers struct {
	core   *core.Core
	logger zerolog.Logger
}

func New(c *core.Core, logger zerolog.Logger) *Handlers {
	return &Handlers{core: c, logger: logger.With().Str("component", "handlers").Logger()}
}

// ─── Envelope ───────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var ve *entity.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, entity.ErrUnknownType),
		errors.Is(err, journal.ErrUnknownOperation), errors.Is(err, funds.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, ledger.ErrEventNotFound),
		errors.Is(err, journal.ErrEntryNotFound), errors.Is(err, anchor.ErrNoAnchor),
		errors.Is(err, funds.ErrReservationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, funds.ErrAlreadyFinal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrQuarantined):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tenant write path quarantined"})
	default:
		h.logger.Error().Err(err).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// ─── Mutations ──────────────────────────────────────────────

type mutationRequest struct {
	Tenant      string                 `json:"tenant"`
	Author      string                 `json:"author"`
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId,omitempty"`
	Operation   string                 `json:"operation"`
	Payload     map[string]interface{} `json:"payload"`
	VectorClock clock.VectorClock      `json:"vectorClock"`
	Metadata    entity.Meta            `json:"metadata"`
}

// Mutate enqueues a journal entry and acknowledges optimistically with
// the entry id and a snapshot of the proposed value. The write has NOT
// been applied yet; clients observe ledgerSequence or the broadcast feed
// to learn when it lands.
func (h *Handlers) Mutate(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Tenant == "" || req.EntityType == "" || req.Operation == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant, entityType, and operation are required"})
		return
	}
	if _, err := h.core.Registry.Resolve(req.EntityType); err != nil {
		h.writeError(w, err)
		return
	}

	e, err := h.core.Journal.Enqueue(r.Context(), req.Tenant, req.Author, req.EntityType, req.EntityID,
		journal.Operation(req.Operation), req.Payload, req.VectorClock, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"journalEntryId": e.ID,
		"entityId":       e.EntityID,
		"status":         e.Status,
		"optimistic": map[string]interface{}{
			"entityType":  e.EntityType,
			"value":       e.Payload,
			"vectorClock": e.VectorClock,
		},
	})
}

// JournalEntry reports the status of one journal entry.
func (h *Handlers) JournalEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.core.Journal.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ─── Reads ──────────────────────────────────────────────────

type queryRequest struct {
	Tenant         string                 `json:"tenant"`
	EntityType     string                 `json:"entityType"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
	IncludeDeleted bool                   `json:"includeDeleted,omitempty"`
}

// Query returns matching projections for a tenant.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	rows, err := h.core.Entities.Find(r.Context(), req.Tenant, req.EntityType, req.Filter, req.IncludeDeleted)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows, "count": len(rows)})
}

// GetEntity returns one projection.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := h.core.Entities.Get(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// ─── Integrity ──────────────────────────────────────────────

type verifyRequest struct {
	Tenant   string `json:"tenant"`
	StartSeq int64  `json:"startSeq,omitempty"`
	EndSeq   int64  `json:"endSeq,omitempty"`
}

// Verify recomputes the hash chain over a range.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant is required"})
		return
	}
	res, err := h.core.Ledger.VerifyChain(r.Context(), req.Tenant, req.StartSeq, req.EndSeq)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Replay reconstructs an entity's state from its ledger history and
// returns both the state and the ordered history.
func (h *Handlers) Replay(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityId")
	history, err := h.core.Ledger.HistoryFor(r.Context(), entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(history) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no history for entity"})
		return
	}

	events := make([]delta.Event, len(history))
	checksums := make([]string, len(history))
	prevEventID := ""
	for i, ev := range history {
		events[i] = delta.Event{Version: ev.Sequence, Payload: ev.Payload}
		sum, err := hashchain.Checksum(ev.Payload, prevEventID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		checksums[i] = sum
		prevEventID = ev.ID
	}
	state := delta.Reconstruct(map[string]interface{}{}, events)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entityId":      entityID,
		"state":         state,
		"history":       history,
		"checksumChain": checksums,
	})
}

// Proof returns a Merkle inclusion proof for one ledger event.
func (h *Handlers) Proof(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	eventID := r.URL.Query().Get("eventId")
	if tenant == "" || eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant and eventId are required"})
		return
	}
	proof, err := h.core.Anchors.ProveEvent(r.Context(), tenant, eventID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// Repair clears a tenant's quarantine after out-of-band chain repair.
func (h *Handlers) Repair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant is required"})
		return
	}
	if err := h.core.Ledger.Repair(r.Context(), req.Tenant); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "repaired"})
}

// ─── Funds ──────────────────────────────────────────────────

type reserveRequest struct {
	Tenant   string      `json:"tenant"`
	Author   string      `json:"author"`
	BudgetID string      `json:"budgetId"`
	Amount   float64     `json:"amount"`
	Metadata entity.Meta `json:"metadata"`
}

func (h *Handlers) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	res, err := h.core.Funds.Reserve(r.Context(), req.Tenant, req.BudgetID, req.Amount, req.Author, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type settleRequest struct {
	ReservationID string      `json:"reservationId"`
	Author        string      `json:"author"`
	Amount        float64     `json:"amount,omitempty"`
	Metadata      entity.Meta `json:"metadata"`
}

func (h *Handlers) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	res, err := h.core.Funds.Settle(r.Context(), req.ReservationID, req.Amount, req.Author, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	res, err := h.core.Funds.Release(r.Context(), req.ReservationID, req.Author, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
