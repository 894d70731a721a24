package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

// EntityWriter is the slice of the entity store the sweeper needs: a raw
// persist that bypasses the interceptor, because encrypting a legacy
// plaintext field at rest is a data correction, not a semantic mutation.
type EntityWriter interface {
	PersistRaw(ent *entity.Entity) error
	Registry() *entity.Registry
}

// Sweeper scans projections for sensitive fields still stored as
// plaintext (data written before the field was marked sensitive, or by a
// version without the vault) and encrypts them in place.
type Sweeper struct {
	backend storage.Backend
	vault   *Vault
	writer  EntityWriter
	logger  zerolog.Logger
}

func NewSweeper(backend storage.Backend, v *Vault, writer EntityWriter, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		backend: backend,
		vault:   v,
		writer:  writer,
		logger:  logger.With().Str("component", "vault_sweeper").Logger(),
	}
}

// Run sweeps every registered entity type once. Returns how many fields
// were migrated to ciphertext.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	migrated := 0
	for _, entityType := range s.writer.Registry().Types() {
		desc, err := s.writer.Registry().Resolve(entityType)
		if err != nil {
			return migrated, err
		}
		if len(desc.SensitiveKeys) == 0 {
			continue
		}
		n, err := s.sweepType(ctx, desc)
		migrated += n
		if err != nil {
			return migrated, err
		}
	}
	return migrated, nil
}

func (s *Sweeper) sweepType(ctx context.Context, desc *entity.Descriptor) (int, error) {
	migrated := 0
	err := s.backend.Scan(storage.PrefixEntityType(desc.Type), func(_ string, raw []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ent, err := decodeEntity(raw)
		if err != nil {
			return false, err
		}

		changed := false
		for _, field := range desc.SensitiveKeys {
			v, ok := ent.Value[field]
			if !ok || v == nil {
				continue
			}
			plain, ok := v.(string)
			if !ok || IsCiphertext(plain) {
				continue
			}
			marker, err := s.vault.Encrypt(plain, ent.TenantID)
			if err != nil {
				return false, fmt.Errorf("sweep %s/%s field %s: %w", desc.Type, ent.ID, field, err)
			}
			ent.Value[field] = marker
			ent.ProcessingLog = append(ent.ProcessingLog,
				fmt.Sprintf("MIGRATION %s field %s encrypted at rest", time.Now().UTC().Format(time.RFC3339), field))
			changed = true
			migrated++
		}
		if changed {
			if err := s.writer.PersistRaw(ent); err != nil {
				return false, err
			}
			s.logger.Info().Str("type", desc.Type).Str("entity", ent.ID).Msg("legacy sensitive field encrypted")
		}
		return true, nil
	})
	return migrated, err
}

func decodeEntity(raw []byte) (*entity.Entity, error) {
	ent := &entity.Entity{}
	if err := json.Unmarshal(raw, ent); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return ent, nil
}
