// Package tracker holds the application state: the in-memory delivery list,
// the commands that change it and the view models derived from it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"entregas/internal/core"
	"entregas/internal/log"
)

// Persister is the record store as seen by the tracker.
type Persister interface {
	Initialize(ctx context.Context) error
	MigrateLegacy(ctx context.Context) (int, error)
	LoadAll(ctx context.Context) []core.Delivery
	SaveAll(ctx context.Context, records []core.Delivery) error
}

type Config struct {
	Quota           int
	UnitBonus       core.Money
	RetentionMonths int
	Location        *time.Location
}

// DefaultConfig matches the rules the app shipped with.
func DefaultConfig() Config {
	return Config{
		Quota:           200,
		UnitBonus:       core.Money{Cents: 550},
		RetentionMonths: 6,
		Location:        time.Local,
	}
}

// Tracker serializes every mutation and the save that follows it, so a save
// always completes before the next load or save starts.
type Tracker struct {
	cfg    Config
	store  Persister
	logger *log.Logger
	slog   *log.StructuredLogger
	now    func() time.Time

	mu         sync.Mutex
	deliveries []core.Delivery
	degraded   bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(cfg Config, store Persister, logger *log.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = log.Discard()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger = logger.WithComponent(log.ComponentTracker)
	t := &Tracker{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		slog:       log.NewStructuredLogger(logger),
		now:        time.Now,
		deliveries: []core.Delivery{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start runs the startup sequence: open the store, migrate legacy data, load.
// The returned notices are meant for the user. A store that cannot be opened
// is not an error: the session continues in flat-key mode.
func (t *Tracker) Start(ctx context.Context) []Notice {
	t.mu.Lock()
	defer t.mu.Unlock()

	var notices []Notice
	if err := t.store.Initialize(ctx); err != nil {
		t.degraded = true
		notices = append(notices, Notice{Level: LevelError, Message: MsgFallbackMode})
		t.logger.WarnContext(ctx, "Running in flat-key mode", log.FieldOperation, log.OpStartup, log.FieldError, err)
	} else {
		n, err := t.store.MigrateLegacy(ctx)
		switch {
		case err != nil:
			t.logger.ErrorContext(ctx, "Legacy migration failed", log.FieldOperation, log.OpMigrate, log.FieldError, err)
		case n > 0:
			notices = append(notices, Notice{Level: LevelInfo, Message: MsgMigrated})
		}
	}

	t.deliveries = t.store.LoadAll(ctx)
	core.SortByDateDesc(t.deliveries)

	t.logger.InfoContext(ctx, "Tracker started",
		log.FieldOperation, log.OpStartup,
		log.FieldCount, len(t.deliveries),
		"degraded", t.degraded)
	return notices
}

// Degraded reports whether the session runs without the durable store.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// Today is the current calendar day in the configured location.
func (t *Tracker) Today() core.Date {
	return core.DateOf(t.now().In(t.cfg.Location))
}

// Add records qty deliveries on date. A delivery already present on that
// date is incremented instead of duplicated.
func (t *Tracker) Add(ctx context.Context, date core.Date, qty int) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, d, err := core.AddDelivery(t.deliveries, date, qty, t.now())
	if err != nil {
		return Reject(err)
	}
	t.deliveries = next

	res := t.persist(ctx, MsgAdded, MsgAddedLocal, LevelSuccess)
	res.Delivery = &d
	t.slog.LogDeliveryRecorded(ctx, d.ID, d.Date.String(), d.Quantity, string(res.Outcome))
	return res
}

// Remove deletes the delivery with the given id.
func (t *Tracker) Remove(ctx context.Context, id int64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, removed := core.RemoveDelivery(t.deliveries, id)
	if !removed {
		return Result{
			Outcome: NoChange,
			Err:     fmt.Errorf("%w: id %d", core.ErrDeliveryNotFound, id),
		}
	}
	t.deliveries = next

	res := t.persist(ctx, MsgRemoved, MsgRemovedLocal, LevelInfo)
	res.Removed = 1
	t.logger.InfoContext(ctx, "Delivery removed",
		log.FieldOperation, log.OpDelete,
		log.FieldDeliveryID, id,
		log.FieldOutcome, res.Outcome)
	return res
}

// TrimOld drops deliveries dated before today minus RetentionMonths. Nothing is
// saved and no notice is produced when nothing was old enough.
func (t *Tracker) TrimOld(ctx context.Context) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.Today().AddMonths(-t.cfg.RetentionMonths)
	next, removed := core.TrimBefore(t.deliveries, limit)
	if removed == 0 {
		return Result{Outcome: NoChange}
	}
	t.deliveries = next

	msg := fmt.Sprintf(MsgTrimmedFormat, removed)
	res := t.persist(ctx, msg, msg, LevelInfo)
	res.Removed = removed
	t.logger.InfoContext(ctx, "Old deliveries trimmed",
		log.FieldOperation, log.OpTrim,
		log.FieldCount, removed,
		log.FieldDate, limit.String())
	return res
}

// Deliveries returns a copy of the current list, newest date first.
func (t *Tracker) Deliveries() []core.Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Delivery(nil), t.deliveries...)
}

// persist saves the current list. Caller holds t.mu.
func (t *Tracker) persist(ctx context.Context, okMsg, localMsg string, okLevel Level) Result {
	err := t.store.SaveAll(ctx, t.deliveries)
	if err == nil {
		t.degraded = false
		return Result{Outcome: Persisted, Notice: Notice{Level: okLevel, Message: okMsg}}
	}
	if !errors.Is(err, core.ErrPersistFailure) {
		err = fmt.Errorf("%w: %w", core.ErrPersistFailure, err)
	}
	return Result{
		Outcome: LocalOnly,
		Notice:  Notice{Level: LevelInfo, Message: localMsg},
		Err:     err,
	}
}

// Reject is the result for input that fails validation.
func Reject(err error) Result {
	return Result{
		Outcome: Rejected,
		Notice:  Notice{Level: LevelError, Message: MsgInvalidInput, Blocking: true},
		Err:     err,
	}
}
