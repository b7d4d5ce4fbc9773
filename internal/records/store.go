// Package records owns the canonical delivery list on disk. The durable SQLite
// store is primary; when it cannot be opened or a write fails, the full list is
// written to the flat key/value store instead so nothing recorded is lost.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"entregas/internal/core"
	"entregas/internal/kv"
	"entregas/internal/log"
)

// Flat-store keys.
const (
	LegacyKey   = "entregasv2"
	FallbackKey = "entregasv3-fallback"
	BackupKey   = "entregasv3-backup"
)

const settingLegacyMigratedAt = "legacy_migrated_at"

// Primary is the durable store behind Store.
type Primary interface {
	LoadAll(ctx context.Context) ([]core.Delivery, error)
	ReplaceAll(ctx context.Context, records []core.Delivery) error
	SetSetting(ctx context.Context, key, value string) error
	Usage() (int64, error)
	Close() error
}

// OpenFunc opens the primary store.
type OpenFunc func(ctx context.Context) (Primary, error)

type Store struct {
	open   OpenFunc
	flat   kv.Store
	logger *log.Logger
	slog   *log.StructuredLogger
	now    func() time.Time

	mu      sync.RWMutex
	primary Primary
}

type Option func(*Store)

// WithClock overrides time.Now, used to stamp migrated legacy entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(open OpenFunc, flat kv.Store, logger *log.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Store{
		open:   open,
		flat:   flat,
		logger: logger.WithComponent(log.ComponentRecords),
		now:    time.Now,
	}
	s.slog = log.NewStructuredLogger(s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the primary store. On failure the store stays in flat-key
// mode and the returned error wraps core.ErrStoreUnavailable.
func (s *Store) Initialize(ctx context.Context) error {
	if s.open == nil {
		return fmt.Errorf("%w: no primary store configured", core.ErrStoreUnavailable)
	}
	p, err := s.open(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Primary store unavailable, using flat-key mode",
			log.FieldOperation, log.OpStartup,
			log.FieldError, err)
		if !errors.Is(err, core.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
		}
		return err
	}

	s.mu.Lock()
	s.primary = p
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Primary store ready", log.FieldOperation, log.OpStartup)
	return nil
}

// Available reports whether the primary store is open.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary != nil
}

func (s *Store) currentPrimary() Primary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

// LoadAll returns every persisted delivery, sorted by date descending. It
// never fails: unreadable sources are logged and skipped, and the result is
// empty when nothing was ever stored.
//
// A fallback payload takes precedence over the primary store because it is
// only written when a primary write failed, so it holds the newest state.
func (s *Store) LoadAll(ctx context.Context) []core.Delivery {
	if records, ok := s.loadKey(ctx, FallbackKey); ok {
		if s.Available() {
			s.logger.WarnContext(ctx, "Recovering deliveries from fallback key",
				log.FieldKey, FallbackKey,
				log.FieldCount, len(records))
		}
		return records
	}

	if p := s.currentPrimary(); p != nil {
		records, err := p.LoadAll(ctx)
		if err == nil {
			core.SortByDateDesc(records)
			return records
		}
		s.logger.ErrorContext(ctx, "Failed to load deliveries from primary store",
			log.FieldOperation, log.OpRead,
			log.FieldError, err)
	}

	for _, key := range []string{BackupKey, LegacyKey} {
		if records, ok := s.loadKey(ctx, key); ok {
			s.logger.WarnContext(ctx, "Loaded deliveries from flat store",
				log.FieldKey, key,
				log.FieldCount, len(records))
			return records
		}
	}
	return []core.Delivery{}
}

func (s *Store) loadKey(ctx context.Context, key string) ([]core.Delivery, bool) {
	raw, ok, err := s.flat.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to read flat key", log.FieldKey, key, log.FieldError, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	records, err := decodeRecords(raw, s.now())
	if err != nil {
		s.logger.WarnContext(ctx, "Ignoring unreadable flat key", log.FieldKey, key, log.FieldError, err)
		return nil, false
	}
	for _, skipped := range records.skipped {
		s.logger.WarnContext(ctx, "Skipping invalid entry", log.FieldKey, key, log.FieldError, skipped)
	}
	return records.deliveries, true
}

// SaveAll atomically replaces the persisted list with records. When the
// primary store is unavailable or the write fails, the list is written under
// FallbackKey and the returned error wraps core.ErrPersistFailure. The caller's
// in-memory list stays authoritative either way.
func (s *Store) SaveAll(ctx context.Context, records []core.Delivery) error {
	payload, err := json.Marshal(nonNil(records))
	if err != nil {
		return fmt.Errorf("%w: encode deliveries: %w", core.ErrPersistFailure, err)
	}

	var cause error
	if p := s.currentPrimary(); p == nil {
		cause = core.ErrStoreUnavailable
	} else if err := p.ReplaceAll(ctx, records); err != nil {
		cause = err
	}

	if cause != nil {
		if fbErr := s.flat.Set(ctx, FallbackKey, payload); fbErr != nil {
			cause = errors.Join(cause, fmt.Errorf("write fallback key: %w", fbErr))
		}
		s.slog.LogError(ctx, "Saving deliveries failed, kept a local copy", cause, log.OpCreate,
			log.LogFields{log.FieldKey: FallbackKey, log.FieldCount: len(records)})
		return fmt.Errorf("%w: %w", core.ErrPersistFailure, cause)
	}

	if err := s.flat.Set(ctx, BackupKey, payload); err != nil {
		s.logger.WarnContext(ctx, "Failed to write backup key", log.FieldKey, BackupKey, log.FieldError, err)
	}
	if err := s.flat.Delete(ctx, FallbackKey); err != nil {
		s.logger.WarnContext(ctx, "Failed to clear fallback key", log.FieldKey, FallbackKey, log.FieldError, err)
	}

	s.logger.InfoContext(ctx, "Deliveries saved",
		log.FieldOperation, log.OpCreate,
		log.FieldCount, len(records))
	return nil
}

// MigrateLegacy moves deliveries found under LegacyKey into the primary store
// and deletes the key. Legacy entries are normalized and merged with the
// current state, which is the fallback payload when one exists and the primary
// store otherwise; on a date present in both the current record wins. It returns the number of legacy deliveries imported, zero when there
// was nothing to do. Running it twice is harmless.
func (s *Store) MigrateLegacy(ctx context.Context) (int, error) {
	p := s.currentPrimary()
	if p == nil {
		return 0, nil
	}

	legacy, ok := s.loadKey(ctx, LegacyKey)
	if !ok {
		return 0, nil
	}

	// A fallback payload is newer than the primary, and SaveAll clears it.
	existing, fromFallback := s.loadKey(ctx, FallbackKey)
	if !fromFallback {
		var err error
		existing, err = p.LoadAll(ctx)
		if err != nil {
			return 0, fmt.Errorf("migrate legacy: load primary: %w", err)
		}
	}

	merged, imported := mergePreferExisting(existing, legacy)
	if err := s.SaveAll(ctx, merged); err != nil {
		return 0, fmt.Errorf("migrate legacy: %w", err)
	}

	if err := s.flat.Delete(ctx, LegacyKey); err != nil {
		return imported, fmt.Errorf("migrate legacy: delete legacy key: %w", err)
	}
	if err := p.SetSetting(ctx, settingLegacyMigratedAt, s.now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.WarnContext(ctx, "Failed to record legacy migration", log.FieldError, err)
	}

	s.logger.InfoContext(ctx, "Legacy deliveries migrated",
		log.FieldOperation, log.OpMigrate,
		log.FieldCount, imported)
	return imported, nil
}

// Usage returns the bytes used by the primary store plus the flat store, when
// either can report it.
func (s *Store) Usage() (int64, error) {
	var total int64
	var errs []error
	if p := s.currentPrimary(); p != nil {
		n, err := p.Usage()
		if err != nil {
			errs = append(errs, err)
		}
		total += n
	}
	if u, ok := s.flat.(interface{ Usage() (int64, error) }); ok {
		n, err := u.Usage()
		if err != nil {
			errs = append(errs, err)
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Close closes the primary store if it is open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == nil {
		return nil
	}
	err := s.primary.Close()
	s.primary = nil
	return err
}

func mergePreferExisting(existing, legacy []core.Delivery) ([]core.Delivery, int) {
	byDate := make(map[string]bool, len(existing))
	ids := make(map[int64]bool, len(existing))
	out := make([]core.Delivery, 0, len(existing)+len(legacy))
	for _, d := range existing {
		byDate[d.Date.String()] = true
		ids[d.ID] = true
		out = append(out, d)
	}

	imported := 0
	for _, d := range legacy {
		if byDate[d.Date.String()] {
			continue
		}
		for ids[d.ID] {
			d.ID++
		}
		ids[d.ID] = true
		byDate[d.Date.String()] = true
		out = append(out, d)
		imported++
	}
	core.SortByDateDesc(out)
	return out, imported
}

func nonNil(records []core.Delivery) []core.Delivery {
	if records == nil {
		return []core.Delivery{}
	}
	return records
}
