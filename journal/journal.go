/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Accepted-before-applied mutation buffer. Enqueue
             acknowledges optimistically and never touches
             entity state; the drainer replays entries FIFO
             per tenant, reconciles vector clocks, applies or
             rejects, and drives every accepted mutation
             through the entity store (and thus the ledger).
             Transient failures retry with exponential backoff
             up to a budget, then terminate as CONFLICT with
             an error reason and an operator alert.
Root Cause:  Sprint task L011 — write journal and drainer.
Context:     Client acknowledgment is decoupled from final
             materialization; entries must reach exactly one
             terminal state or devices resync forever.
Suitability: L4 — conflict resolution correctness.
──────────────────────────────────────────────────────────────
*/

package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/locking"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/notify"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/observability"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

// Operation names accepted at enqueue time.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Status is the lifecycle state of a journal entry. PENDING is the only
// non-terminal state; entries never re-open.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApplied  Status = "APPLIED"
	StatusStale    Status = "STALE"
	StatusConflict Status = "CONFLICT"
)

var (
	// ErrUnknownOperation rejects enqueue calls with a bad operation.
	ErrUnknownOperation = errors.New("journal: unknown operation")
	// ErrEntryNotFound is returned for unknown entry ids.
	ErrEntryNotFound = errors.New("journal: entry not found")
)

// Entry is one proposed mutation in flight.
type Entry struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenantId"`
	AuthorID    string                 `json:"authorId"`
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Operation   Operation              `json:"operation"`
	Payload     map[string]interface{} `json:"payload"`
	VectorClock clock.VectorClock      `json:"vectorClock"`
	Status      Status                 `json:"status"`
	RetryCount  int                    `json:"retryCount"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Meta        entity.Meta            `json:"meta"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	AppliedAt   *time.Time             `json:"appliedAt,omitempty"`
}

// Options tunes the drainer. Metrics is optional.
type Options struct {
	MaxRetries        int
	TenantParallelism int
	Metrics           *observability.Metrics
}

// Journal accepts mutations ahead of apply and drains them in order.
type Journal struct {
	backend storage.Backend
	store   *entity.Store
	locks   *locking.KeyedMutex
	alerter notify.Alerter
	metrics *observability.Metrics
	logger  zerolog.Logger

	maxRetries        int
	tenantParallelism int
}

// New builds a Journal. The KeyedMutex serializes applies per tenant and
// is owned by the journal (the ledger keeps its own append lock).
func New(backend storage.Backend, store *entity.Store, alerter notify.Alerter, logger zerolog.Logger, opts Options) *Journal {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.TenantParallelism <= 0 {
		opts.TenantParallelism = 4
	}
	return &Journal{
		backend:           backend,
		store:             store,
		locks:             locking.NewKeyedMutex(),
		alerter:           alerter,
		metrics:           opts.Metrics,
		logger:            logger.With().Str("component", "journal").Logger(),
		maxRetries:        opts.MaxRetries,
		tenantParallelism: opts.TenantParallelism,
	}
}

// Enqueue records a PENDING entry and returns immediately. It never reads
// entity state; reconciliation happens at drain time.
func (j *Journal) Enqueue(ctx context.Context, tenantID, authorID, entityType, entityID string,
	op Operation, payload map[string]interface{}, vc clock.VectorClock, meta entity.Meta) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	if entityID == "" {
		if op != OpCreate {
			return nil, fmt.Errorf("journal: %s requires an entity id", op)
		}
		entityID = uuid.NewString()
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AuthorID:    authorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Operation:   op,
		Payload:     payload,
		VectorClock: vc.Clone(),
		Status:      StatusPending,
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := j.persist(e); err != nil {
		return nil, err
	}
	if err := j.backend.Put(storage.KeyJournalPending(tenantID, now.UnixNano(), e.ID), []byte(e.ID)); err != nil {
		return nil, fmt.Errorf("persist pending index: %w", err)
	}

	j.logger.Debug().Str("tenant", tenantID).Str("entry", e.ID).
		Str("op", string(op)).Str("entity", entityID).Msg("journal enqueue")
	return e, nil
}

// Get loads one entry.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := j.backend.Get(storage.KeyJournal(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode journal entry %s: %w", id, err)
	}
	return e, nil
}

// Drain processes up to batchSize of the oldest PENDING entries, FIFO per
// tenant, tenants in parallel up to the configured bound. Returns how many
// entries reached a terminal state this call.
func (j *Journal) Drain(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	type pendingRef struct {
		indexKey string
		entryID  string
	}
	perTenant := make(map[string][]pendingRef)
	var tenants []string
	total := 0
	err := j.backend.Scan(storage.PrefixJournalPending(), func(key string, val []byte) (bool, error) {
		tenantID := tenantFromPendingKey(key)
		if _, seen := perTenant[tenantID]; !seen {
			tenants = append(tenants, tenantID)
		}
		perTenant[tenantID] = append(perTenant[tenantID], pendingRef{indexKey: key, entryID: string(val)})
		total++
		return total < batchSize, nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan pending index: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	sort.Strings(tenants)

	var (
		g, gctx   = errgroup.WithContext(ctx)
		completed int64
	)
	g.SetLimit(j.tenantParallelism)

	results := make([]int, len(tenants))
	for idx, tenantID := range tenants {
		idx, tenantID := idx, tenantID
		refs := perTenant[tenantID]
		g.Go(func() error {
			unlock := j.locks.Lock(tenantID)
			defer unlock()

			done := 0
			for _, ref := range refs {
				if gctx.Err() != nil {
					// Cancellation mid-batch leaves the rest PENDING.
					break
				}
				e, err := j.Get(gctx, ref.entryID)
				if errors.Is(err, ErrEntryNotFound) || (err == nil && e.Status != StatusPending) {
					// Stale index record from an earlier crash.
					_ = j.backend.Delete(ref.indexKey)
					continue
				}
				if err != nil {
					j.logger.Error().Err(err).Str("entry", ref.entryID).Msg("load pending entry")
					continue
				}
				if j.applyEntry(gctx, e, ref.indexKey) {
					done++
				}
			}
			results[idx] = done
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, n := range results {
		completed += int64(n)
	}
	return int(completed), nil
}

func tenantFromPendingKey(key string) string {
	// jpending/{tenant}/{createdAtNanos}/{id}
	rest := key[len(storage.PrefixJournalPending()):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}

// applyEntry runs the core transition for one entry and reports whether it
// reached a terminal state. Transient failures leave the entry PENDING
// with an incremented retry count; the retry budget exhausting terminates
// it as CONFLICT with an error reason.
func (j *Journal) applyEntry(ctx context.Context, e *Entry, indexKey string) bool {
	op := func() error {
		return j.transition(ctx, e)
	}
	// Short in-call retry for transient blips; the drainer's next tick is
	// the long-term retry path.
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), 2)
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil:
		j.clearPending(e, indexKey)
		return true

	case isValidation(err):
		// Malformed payloads never heal; terminate with the reason.
		e.Status = StatusConflict
		e.ErrorReason = err.Error()
		j.finalize(e)
		j.clearPending(e, indexKey)
		return true

	case errors.Is(err, ledger.ErrQuarantined):
		j.alerter.Alert(notify.KindChainCorruption, e.TenantID,
			fmt.Sprintf("entry %s blocked by quarantined ledger", e.ID))
		j.retryOrGiveUp(e, err, indexKey)
		return e.Status != StatusPending

	default:
		j.retryOrGiveUp(e, err, indexKey)
		return e.Status != StatusPending
	}
}

// transition runs the single-entry apply: load, reconcile, mutate.
func (j *Journal) transition(ctx context.Context, e *Entry) error {
	ent, err := j.store.Get(ctx, e.EntityType, e.EntityID)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return err
	}
	missing := errors.Is(err, entity.ErrNotFound) || (ent != nil && ent.Deleted)

	switch e.Operation {
	case OpCreate:
		if !missing {
			return j.markStale(e)
		}
		created, err := j.store.Create(ctx, e.TenantID, e.EntityType, e.EntityID, e.Payload, e.VectorClock, e.AuthorID, e.Meta)
		if err != nil {
			return err
		}
		j.logger.Info().Str("tenant", e.TenantID).Str("entity", created.ID).Msg("journal apply: created")
		return j.markApplied(e)

	case OpUpdate, OpDelete:
		if missing {
			return j.markStale(e)
		}
		switch clock.Reconcile(ent.VectorClock, e.VectorClock) {
		case clock.Apply:
			return j.applyWrite(ctx, e, ent)
		case clock.Stale:
			return j.markStale(e)
		default:
			return j.resolveConflict(ctx, e, ent)
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperation, e.Operation)
}

func (j *Journal) applyWrite(ctx context.Context, e *Entry, ent *entity.Entity) error {
	ent.VectorClock = clock.Merge(ent.VectorClock, e.VectorClock)
	var err error
	if e.Operation == OpDelete {
		_, err = j.store.SoftDelete(ctx, ent, e.AuthorID, e.Meta)
	} else {
		_, err = j.store.Update(ctx, ent, e.Payload, e.AuthorID, e.Meta)
	}
	if err != nil {
		return err
	}
	return j.markApplied(e)
}

// resolveConflict records the concurrent write and applies last-writer-
// wins on the wall clock: the journaled write's proposal time against the
// entity's last mutation time. The losing payload stays in conflicts[]
// for operator inspection either way.
func (j *Journal) resolveConflict(ctx context.Context, e *Entry, ent *entity.Entity) error {
	ent.Conflicts = append(ent.Conflicts, entity.ConflictRecord{
		DeviceID:  e.Meta.DeviceID,
		AuthorID:  e.AuthorID,
		Timestamp: e.CreatedAt,
		Payload:   e.Payload,
	})
	ent.VectorClock = clock.Merge(ent.VectorClock, e.VectorClock)

	entryWins := e.CreatedAt.After(ent.UpdatedAt)

	var err error
	switch {
	case entryWins && e.Operation == OpDelete:
		_, err = j.store.SoftDelete(ctx, ent, e.AuthorID, e.Meta)
	case entryWins:
		_, err = j.store.Update(ctx, ent, e.Payload, e.AuthorID, e.Meta)
	default:
		// Losing write: no field changes, but the resolution itself is a
		// versioned, ledgered mutation.
		_, err = j.store.Update(ctx, ent, map[string]interface{}{}, e.AuthorID, e.Meta)
	}
	if err != nil {
		return err
	}

	e.Status = StatusConflict
	now := time.Now().UTC()
	e.AppliedAt = &now
	j.finalize(e)
	if j.metrics != nil {
		j.metrics.TrackConflict(e.TenantID)
	}
	j.logger.Warn().Str("tenant", e.TenantID).Str("entity", ent.ID).
		Bool("entry_won", entryWins).Msg("journal apply: conflict resolved (LWW)")
	return nil
}

func (j *Journal) markApplied(e *Entry) error {
	e.Status = StatusApplied
	now := time.Now().UTC()
	e.AppliedAt = &now
	j.finalize(e)
	return nil
}

func (j *Journal) markStale(e *Entry) error {
	e.Status = StatusStale
	j.finalize(e)
	j.logger.Debug().Str("tenant", e.TenantID).Str("entry", e.ID).Msg("journal apply: stale")
	return nil
}

func (j *Journal) finalize(e *Entry) {
	e.UpdatedAt = time.Now().UTC()
	if err := j.persist(e); err != nil {
		j.logger.Error().Err(err).Str("entry", e.ID).Msg("persist journal entry")
	}
}

func (j *Journal) clearPending(e *Entry, indexKey string) {
	if err := j.backend.Delete(indexKey); err != nil {
		j.logger.Error().Err(err).Str("entry", e.ID).Msg("clear pending index")
	}
}

func (j *Journal) retryOrGiveUp(e *Entry, cause error, indexKey string) {
	e.RetryCount++
	if e.RetryCount >= j.maxRetries {
		e.Status = StatusConflict
		e.ErrorReason = cause.Error()
		j.finalize(e)
		j.clearPending(e, indexKey)
		j.alerter.Alert(notify.KindJournalStuck, e.TenantID,
			fmt.Sprintf("entry %s exhausted %d retries: %v", e.ID, j.maxRetries, cause))
		return
	}
	j.finalize(e)
	j.logger.Warn().Err(cause).Str("entry", e.ID).Int("retry", e.RetryCount).
		Msg("journal apply failed — will retry")
}

func (j *Journal) persist(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if err := j.backend.Put(storage.KeyJournal(e.ID), raw); err != nil {
		return fmt.Errorf("persist journal entry: %w", err)
	}
	return nil
}

func isValidation(err error) bool {
	var ve *entity.ValidationError
	return errors.As(err, &ve) || errors.Is(err, entity.ErrUnknownType)
}

// transient reports whether an error is worth an in-call retry. Semantic
// outcomes and quarantine are not.
func transient(err error) bool {
	return !isValidation(err) && !errors.Is(err, ledger.ErrQuarantined)
}
