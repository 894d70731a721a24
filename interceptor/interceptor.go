/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       The single mutation capture path. Encrypts
             sensitive plaintext fields through the vault,
             derives the ledger payload (snapshot, delta, or
             tombstone), appends the hash-linked event, and
             notifies the broadcast collaborator. No other
             code path may emit entity ledger events.
Root Cause:  Sprint task L012 — event interception on writes.
Context:     A write that bypasses this path leaves the ledger
             blind to a mutation, which auditors treat as
             tampering.
Suitability: L4 — integrity chokepoint.
──────────────────────────────────────────────────────────────
*/

package interceptor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/broadcast"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/delta"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/observability"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/vault"
)

// Interceptor wraps every entity write with vault encryption, ledger
// capture, and broadcast notification.
type Interceptor struct {
	ledger    *ledger.Ledger
	vault     *vault.Vault
	registry  *entity.Registry
	publisher broadcast.Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func New(l *ledger.Ledger, v *vault.Vault, registry *entity.Registry, publisher broadcast.Publisher, logger zerolog.Logger) *Interceptor {
	return &Interceptor{
		ledger:    l,
		vault:     v,
		registry:  registry,
		publisher: publisher,
		logger:    logger.With().Str("component", "interceptor").Logger(),
	}
}

// WithMetrics attaches the metrics registry; appends are then counted by
// event type.
func (i *Interceptor) WithMetrics(m *observability.Metrics) *Interceptor {
	i.metrics = m
	return i
}

// Capture implements entity.Interceptor.
func (i *Interceptor) Capture(ctx context.Context, m *entity.Mutation) (entity.CaptureResult, error) {
	if err := i.encryptSensitive(m.TenantID, m.EntityType, m.New); err != nil {
		return entity.CaptureResult{}, err
	}

	var (
		eventType string
		payload   map[string]interface{}
	)
	switch m.Kind {
	case entity.MutationCreate:
		eventType = ledger.EventCreated
		payload = m.New
	case entity.MutationUpdate:
		eventType = ledger.EventUpdated
		payload = delta.DeltaPayload(delta.Diff(m.Old, m.New))
	case entity.MutationDelete:
		eventType = ledger.EventDeleted
		payload = map[string]interface{}{"deletedAt": m.DeletedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")}
	default:
		return entity.CaptureResult{}, fmt.Errorf("interceptor: unknown mutation kind %q", m.Kind)
	}

	ev, err := i.ledger.Append(ctx, m.TenantID, m.EntityType, m.EntityID, eventType,
		payload, m.AuthorID, ledger.Metadata{
			DeviceID:      m.Meta.DeviceID,
			CorrelationID: m.Meta.CorrelationID,
			IP:            m.Meta.IP,
			UserAgent:     m.Meta.UserAgent,
		})
	if err != nil {
		return entity.CaptureResult{}, err
	}
	if i.metrics != nil {
		i.metrics.TrackLedgerAppend(m.TenantID, eventType)
	}

	i.notify(ctx, m, ev)

	return entity.CaptureResult{Sequence: ev.Sequence, EventID: ev.ID}, nil
}

// EmitDomain appends a domain event (funds reservation, tax estimate)
// that is not an entity mutation. It shares the capture path so the
// ledger stays the only event sink.
func (i *Interceptor) EmitDomain(ctx context.Context, tenantID, entityType, entityID, eventType string,
	payload map[string]interface{}, authorID string, meta entity.Meta) (*ledger.Event, error) {
	ev, err := i.ledger.Append(ctx, tenantID, entityType, entityID, eventType, payload, authorID, ledger.Metadata{
		DeviceID:      meta.DeviceID,
		CorrelationID: meta.CorrelationID,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	if i.metrics != nil {
		i.metrics.TrackLedgerAppend(tenantID, eventType)
	}
	return ev, nil
}

// encryptSensitive rewrites plaintext sensitive fields in place with
// vault markers. Fields already carrying the marker prefix pass through.
func (i *Interceptor) encryptSensitive(tenantID, entityType string, value map[string]interface{}) error {
	if value == nil {
		return nil
	}
	desc, err := i.registry.Resolve(entityType)
	if err != nil {
		return err
	}
	for _, field := range desc.SensitiveKeys {
		raw, ok := value[field]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("interceptor: sensitive field %s.%s must be a string", entityType, field)
		}
		if vault.IsCiphertext(s) {
			continue
		}
		marker, err := i.vault.Encrypt(s, tenantID)
		if err != nil {
			return fmt.Errorf("encrypt %s.%s: %w", entityType, field, err)
		}
		value[field] = marker
	}
	return nil
}

func (i *Interceptor) notify(ctx context.Context, m *entity.Mutation, ev *ledger.Event) {
	msgType := broadcast.TypeEntityUpdated
	switch m.Kind {
	case entity.MutationCreate:
		msgType = broadcast.TypeEntityCreated
	case entity.MutationDelete:
		msgType = broadcast.TypeEntityDeleted
	}
	err := i.publisher.Publish(ctx, broadcast.Message{
		Type:           msgType,
		TenantID:       m.TenantID,
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Entity:         m.New,
		LedgerSequence: ev.Sequence,
	})
	if err != nil {
		// Broadcast is best-effort; the ledger already holds the truth.
		i.logger.Warn().Err(err).Str("entity", m.EntityID).Msg("broadcast publish failed")
	}
}
