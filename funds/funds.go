/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Funds reservation engine implementing the
             reserve-then-settle pattern for planned spending
             against budgets, plus tax deduction estimation
             for deductible transaction categories. Every
             reservation transition and estimate is recorded
             in the tenant ledger as a domain event.
Root Cause:  Sprint task L025 — funds reservation + tax hints.
Context:     Financial correctness is critical. Reservations
             must settle or release exactly once, and the
             ledger must show the full life of each hold.
Suitability: L3 — financial state machine with ledger coupling.
──────────────────────────────────────────────────────────────
*/

package funds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/interceptor"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
)

// Reservation states.
const (
	StateReserved = "RESERVED"
	StateSettled  = "SETTLED"
	StateReleased = "RELEASED"
)

var (
	ErrReservationNotFound = errors.New("funds: reservation not found")
	ErrAlreadyFinal        = errors.New("funds: reservation already settled or released")
	ErrInvalidAmount       = errors.New("funds: amount must be positive")
)

// Reservation is one in-flight hold against a budget.
type Reservation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	BudgetID  string    `json:"budgetId"`
	Amount    float64   `json:"amount"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// deductionRates maps deductible transaction categories to the fraction
// of the amount treated as deductible for the estimate.
var deductionRates = map[string]float64{
	"business":       1.0,
	"home_office":    0.5,
	"medical":        0.8,
	"charity":        1.0,
	"work_equipment": 1.0,
}

// Engine tracks reservations in memory and journals every transition to
// the tenant ledger through the interceptor's domain-event path.
type Engine struct {
	mu           sync.RWMutex
	reservations map[string]*Reservation

	interceptor *interceptor.Interceptor
	logger      zerolog.Logger
}

func NewEngine(ic *interceptor.Interceptor, logger zerolog.Logger) *Engine {
	return &Engine{
		reservations: make(map[string]*Reservation),
		interceptor:  ic,
		logger:       logger.With().Str("component", "funds").Logger(),
	}
}

// Reserve places a hold of amount against the budget and records a
// FUNDS_RESERVED ledger event.
func (e *Engine) Reserve(ctx context.Context, tenantID, budgetID string, amount float64, authorID string, meta entity.Meta) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now().UTC()
	r := &Reservation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		BudgetID:  budgetID,
		Amount:    amount,
		State:     StateReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := e.interceptor.EmitDomain(ctx, tenantID, "budget", budgetID, ledger.EventFundsReserved,
		map[string]interface{}{
			"reservationId": r.ID,
			"amount":        amount,
			"state":         StateReserved,
		}, authorID, meta)
	if err != nil {
		return nil, fmt.Errorf("record reservation: %w", err)
	}

	e.mu.Lock()
	e.reservations[r.ID] = r
	e.mu.Unlock()

	e.logger.Info().Str("tenant", tenantID).Str("budget", budgetID).
		Float64("amount", amount).Msg("funds reserved")
	return r, nil
}

// Settle finalizes a hold (the spend happened) and records the ledger
// transition. The settled amount may be lower than the hold.
func (e *Engine) Settle(ctx context.Context, reservationID string, settledAmount float64, authorID string, meta entity.Meta) (*Reservation, error) {
	return e.complete(ctx, reservationID, StateSettled, settledAmount, ledger.EventFundsSettled, authorID, meta)
}

// Release cancels a hold and records the ledger transition.
func (e *Engine) Release(ctx context.Context, reservationID, authorID string, meta entity.Meta) (*Reservation, error) {
	return e.complete(ctx, reservationID, StateReleased, 0, ledger.EventFundsReleased, authorID, meta)
}

func (e *Engine) complete(ctx context.Context, reservationID, state string, amount float64, eventType, authorID string, meta entity.Meta) (*Reservation, error) {
	e.mu.Lock()
	r, ok := e.reservations[reservationID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrReservationNotFound
	}
	if r.State != StateReserved {
		e.mu.Unlock()
		return nil, ErrAlreadyFinal
	}
	// Hold the final state back until the ledger write lands.
	e.mu.Unlock()

	payload := map[string]interface{}{
		"reservationId": r.ID,
		"state":         state,
	}
	if state == StateSettled {
		if amount <= 0 || amount > r.Amount {
			amount = r.Amount
		}
		payload["settledAmount"] = amount
	}

	_, err := e.interceptor.EmitDomain(ctx, r.TenantID, "budget", r.BudgetID, eventType, payload, authorID, meta)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", state, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.State != StateReserved {
		return nil, ErrAlreadyFinal
	}
	r.State = state
	r.UpdatedAt = time.Now().UTC()
	return r, nil
}

// Get returns a reservation by id.
func (e *Engine) Get(reservationID string) (*Reservation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

// EstimateTaxDeduction inspects a transaction value and, for deductible
// categories, records a TAX_DEDUCTION_ESTIMATED event and returns the
// estimated deductible amount. Non-deductible categories return 0 with
// no ledger event.
func (e *Engine) EstimateTaxDeduction(ctx context.Context, tenantID, transactionID string,
	value map[string]interface{}, authorID string, meta entity.Meta) (float64, error) {
	category, _ := value["category"].(string)
	rate, ok := deductionRates[category]
	if !ok {
		if deductible, _ := value["deductible"].(bool); !deductible {
			return 0, nil
		}
		rate = 1.0
	}

	amount, ok := value["amount"].(float64)
	if !ok || amount <= 0 {
		return 0, nil
	}
	estimate := amount * rate

	_, err := e.interceptor.EmitDomain(ctx, tenantID, "transaction", transactionID,
		ledger.EventTaxDeductionEstimated, map[string]interface{}{
			"category": category,
			"amount":   amount,
			"rate":     rate,
			"estimate": estimate,
		}, authorID, meta)
	if err != nil {
		return 0, fmt.Errorf("record tax estimate: %w", err)
	}

	e.logger.Debug().Str("tenant", tenantID).Str("transaction", transactionID).
		Float64("estimate", estimate).Msg("tax deduction estimated")
	return estimate, nil
}
