package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entregas/internal/core"
	"entregas/internal/kv"
	"entregas/internal/records"
	"entregas/internal/storage"
)

// Wednesday, second fortnight of June 2024.
var now = time.Date(2024, 6, 19, 15, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func sqliteOpen(t *testing.T) records.OpenFunc {
	path := filepath.Join(t.TempDir(), "entregas.db")
	return func(context.Context) (records.Primary, error) {
		repo, err := storage.NewSQLiteRepository(path, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { repo.Close() })
		return repo, nil
	}
}

func failingOpen(context.Context) (records.Primary, error) {
	return nil, errors.New("quota exceeded")
}

func newTracker(t *testing.T, open records.OpenFunc, flat kv.Store) *Tracker {
	t.Helper()
	clock := func() time.Time { return now }
	store := records.NewStore(open, flat, nil, records.WithClock(clock))
	return New(testConfig(), store, nil, WithClock(clock))
}

func TestTracker_AddSameDateMerges(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	require.Empty(t, tr.Start(ctx))

	date := core.NewDate(2024, 6, 1)
	first := tr.Add(ctx, date, 10)
	require.NoError(t, first.Err)
	assert.Equal(t, Persisted, first.Outcome)
	assert.Equal(t, MsgAdded, first.Notice.Message)

	second := tr.Add(ctx, date, 10)
	require.NoError(t, second.Err)

	list := tr.Deliveries()
	require.Len(t, list, 1)
	assert.Equal(t, 20, list[0].Quantity)
	assert.Equal(t, first.Delivery.ID, list[0].ID)
	assert.Equal(t, first.Delivery.CreatedAt, list[0].CreatedAt)
}

func TestTracker_ListStaysSorted(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	for _, d := range []int{5, 17, 1, 12, 17, 3} {
		res := tr.Add(ctx, core.NewDate(2024, 6, d), 2)
		require.NoError(t, res.Err)

		list := tr.Deliveries()
		for i := 1; i < len(list); i++ {
			assert.True(t, list[i-1].Date.After(list[i].Date), "not sorted after adding day %d", d)
		}
	}
	assert.Len(t, tr.Deliveries(), 5)
}

func TestTracker_AddRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	tests := []struct {
		name string
		date core.Date
		qty  int
	}{
		{"zero quantity", core.NewDate(2024, 6, 1), 0},
		{"negative quantity", core.NewDate(2024, 6, 1), -3},
		{"missing date", core.Date{}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tr.Add(ctx, tt.date, tt.qty)
			assert.Equal(t, Rejected, res.Outcome)
			assert.ErrorIs(t, res.Err, core.ErrValidation)
			assert.True(t, res.Notice.Blocking)
			assert.Equal(t, MsgInvalidInput, res.Notice.Message)
		})
	}
	assert.Empty(t, tr.Deliveries())
}

func TestTracker_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	flat := kv.NewMemoryStore()
	tr := newTracker(t, failingOpen, flat)

	notices := tr.Start(ctx)
	require.Len(t, notices, 1)
	assert.Equal(t, MsgFallbackMode, notices[0].Message)
	assert.True(t, tr.Degraded())

	res := tr.Add(ctx, core.NewDate(2024, 6, 18), 7)
	assert.Equal(t, LocalOnly, res.Outcome)
	assert.Equal(t, MsgAddedLocal, res.Notice.Message)
	assert.ErrorIs(t, res.Err, core.ErrPersistFailure)

	raw, ok, err := flat.Get(ctx, records.FallbackKey)
	require.NoError(t, err)
	require.True(t, ok)
	var saved []core.Delivery
	require.NoError(t, json.Unmarshal(raw, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, 7, saved[0].Quantity)

	// the in-memory list stays authoritative
	assert.Len(t, tr.Deliveries(), 1)

	// a new session picks up the fallback payload
	again := newTracker(t, failingOpen, flat)
	again.Start(ctx)
	assert.Len(t, again.Deliveries(), 1)
}

func TestTracker_StartMigratesLegacy(t *testing.T) {
	ctx := context.Background()
	flat := kv.NewMemoryStore()
	require.NoError(t, flat.Set(ctx, records.LegacyKey, []byte(`[{"id":1717200000000,"data":"2024-06-01","quantidade":10}]`)))

	tr := newTracker(t, sqliteOpen(t), flat)
	notices := tr.Start(ctx)
	require.Len(t, notices, 1)
	assert.Equal(t, MsgMigrated, notices[0].Message)
	require.Len(t, tr.Deliveries(), 1)
	assert.Equal(t, 10, tr.Deliveries()[0].Quantity)
}

func TestTracker_FallbackSurvivesLegacyMigration(t *testing.T) {
	ctx := context.Background()
	flat := kv.NewMemoryStore()
	require.NoError(t, flat.Set(ctx, records.LegacyKey, []byte(`[{"data":"2024-06-01","quantidade":10}]`)))

	offline := newTracker(t, failingOpen, flat)
	offline.Start(ctx)
	require.Len(t, offline.Deliveries(), 1)
	res := offline.Add(ctx, core.NewDate(2024, 6, 2), 7)
	require.Equal(t, LocalOnly, res.Outcome)

	tr := newTracker(t, sqliteOpen(t), flat)
	tr.Start(ctx)
	assert.False(t, tr.Degraded())

	list := tr.Deliveries()
	require.Len(t, list, 2)
	assert.Equal(t, 7, list[0].Quantity)
	assert.Equal(t, 10, list[1].Quantity)
	assert.Equal(t, 17, tr.Dashboard().Total)
}

func TestTracker_AddRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	date := core.NewDate(2024, 6, 1)
	require.NoError(t, tr.Add(ctx, date, math.MaxInt).Err)

	res := tr.Add(ctx, date, 1)
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, core.ErrInvalidQuantity)
	require.Len(t, tr.Deliveries(), 1)
	assert.Equal(t, math.MaxInt, tr.Deliveries()[0].Quantity)
}

func TestTracker_Remove(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	added := tr.Add(ctx, core.NewDate(2024, 6, 3), 4)
	require.NoError(t, added.Err)

	res := tr.Remove(ctx, added.Delivery.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, Persisted, res.Outcome)
	assert.Equal(t, MsgRemoved, res.Notice.Message)
	assert.Empty(t, tr.Deliveries())

	missing := tr.Remove(ctx, 42)
	assert.Equal(t, NoChange, missing.Outcome)
	assert.ErrorIs(t, missing.Err, core.ErrDeliveryNotFound)
}

func TestTracker_TrimOld(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	// limit is 2023-12-19
	for _, d := range []core.Date{
		core.NewDate(2023, 11, 30),
		core.NewDate(2023, 12, 18),
		core.NewDate(2023, 12, 19),
		core.NewDate(2024, 6, 1),
	} {
		require.NoError(t, tr.Add(ctx, d, 1).Err)
	}

	res := tr.TrimOld(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, Persisted, res.Outcome)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, "2 entregas antigas removidas para otimizar armazenamento", res.Notice.Message)
	assert.Len(t, tr.Deliveries(), 2)

	again := tr.TrimOld(ctx)
	assert.Equal(t, NoChange, again.Outcome)
	assert.Empty(t, again.Notice.Message)
}

func TestTracker_Dashboard(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	// first fortnight of June: 230, second so far: 115
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 3), 100).Err)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 10), 130).Err)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 16), 40).Err)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 18), 75).Err)
	// after today, outside every period
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 25), 9).Err)

	d := tr.Dashboard()
	assert.Equal(t, "2024-06-19", d.Today.String())
	assert.Equal(t, 354, d.Total)
	assert.Equal(t, 115, d.Weekly, "week starts on Sunday 2024-06-16")
	assert.Equal(t, 115, d.Fortnightly)
	assert.Equal(t, 345, d.Monthly)
	assert.Equal(t, 85, d.Remaining)
	assert.False(t, d.QuotaReached)
	assert.Zero(t, d.Surplus)
	assert.Equal(t, int64(0), d.FortnightBonus.Cents)
	assert.Equal(t, "57.5", d.Progress.String())
	assert.Equal(t, int64(16500), d.TotalBonus.Cents)
	assert.Equal(t, "R$ 165.00", d.TotalBonus.Display)
}

func TestTracker_DashboardQuotaReached(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 17), 230).Err)

	d := tr.Dashboard()
	assert.Zero(t, d.Remaining)
	assert.True(t, d.QuotaReached)
	assert.Equal(t, 30, d.Surplus)
	assert.Equal(t, "R$ 165.00", d.FortnightBonus.Display)
	assert.Equal(t, "100", d.Progress.String())
}

func TestTracker_ReportAndHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)

	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 5, 31), 50).Err)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 4), 20).Err)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 2), 20).Err)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 8), 11).Err)

	r := tr.Report()
	assert.Equal(t, "2024-06-01", r.MonthStart.String())
	assert.Equal(t, 51, r.MonthTotal)
	assert.Equal(t, 3, r.DaysWorked)
	assert.Equal(t, "17.0", r.DailyAverage)
	require.NotNil(t, r.BestDay)
	assert.Equal(t, "2024-06-02", r.BestDay.Date.String())

	h := tr.History()
	require.Len(t, h, 4)
	assert.Equal(t, "08/06/2024", h[0].Display)
	assert.Equal(t, "31/05/2024", h[3].Display)
}

func TestTracker_Export(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, sqliteOpen(t), kv.NewMemoryStore())
	tr.Start(ctx)
	require.NoError(t, tr.Add(ctx, core.NewDate(2024, 6, 4), 20).Err)

	body, filename, err := tr.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "entregas-backup-2024-06-19.json", filename)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "3.0", doc["versao"])
	assert.Equal(t, "2024-06-19T15:00:00.000Z", doc["exportadoEm"])
	entries, ok := doc["entregas"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "2024-06-04", entry["date"])
	assert.Equal(t, float64(20), entry["quantity"])
}
