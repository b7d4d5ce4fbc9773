package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"entregas/internal/aggregate"
	"entregas/internal/core"
	"entregas/internal/log"
)

// Amount is a money value with its display form.
type Amount struct {
	Cents   int64  `json:"cents"`
	Display string `json:"display"`
}

func amountOf(m core.Money) Amount {
	return Amount{Cents: m.Cents, Display: m.String()}
}

// Dashboard is the main screen: totals per period and the fortnight quota.
type Dashboard struct {
	Today          core.Date       `json:"today"`
	Total          int             `json:"total"`
	Weekly         int             `json:"weekly"`
	Fortnightly    int             `json:"fortnightly"`
	Monthly        int             `json:"monthly"`
	Quota          int             `json:"quota"`
	Remaining      int             `json:"remaining"`
	QuotaReached   bool            `json:"quotaReached"`
	Surplus        int             `json:"surplus"`
	FortnightBonus Amount          `json:"fortnightBonus"`
	Progress       decimal.Decimal `json:"progress"`
	TotalBonus     Amount          `json:"totalBonus"`
	Degraded       bool            `json:"degraded"`
}

// Report is the monthly statistics screen.
type Report struct {
	MonthStart   core.Date           `json:"monthStart"`
	MonthTotal   int                 `json:"monthTotal"`
	DaysWorked   int                 `json:"daysWorked"`
	DailyAverage string              `json:"dailyAverage"`
	BestDay      *aggregate.DayTotal `json:"bestDay"`
	TotalBonus   Amount              `json:"totalBonus"`
}

// HistoryItem is one row of the history list.
type HistoryItem struct {
	ID       int64     `json:"id"`
	Date     core.Date `json:"date"`
	Display  string    `json:"display"`
	Quantity int       `json:"quantity"`
}

// ExportDocument is the backup file layout.
type ExportDocument struct {
	Deliveries []core.Delivery `json:"entregas"`
	ExportedAt string          `json:"exportadoEm"`
	Version    string          `json:"versao"`
}

const ExportVersion = "3.0"

// Dashboard computes period sums from each period's start through today.
func (t *Tracker) Dashboard() Dashboard {
	t.mu.Lock()
	list := append([]core.Delivery(nil), t.deliveries...)
	degraded := t.degraded
	t.mu.Unlock()

	today := t.Today()
	fortnight := aggregate.SumInRange(list, aggregate.PeriodStart(aggregate.Fortnight, today), today)
	remaining := t.cfg.Quota - fortnight
	if remaining < 0 {
		remaining = 0
	}
	surplus := aggregate.Surplus(fortnight, t.cfg.Quota)

	progress := decimal.NewFromInt(100)
	if t.cfg.Quota > 0 {
		progress = decimal.NewFromInt(int64(fortnight)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(t.cfg.Quota))).
			Round(1)
		if progress.GreaterThan(decimal.NewFromInt(100)) {
			progress = decimal.NewFromInt(100)
		}
	}

	return Dashboard{
		Today:          today,
		Total:          core.TotalQuantity(list),
		Weekly:         aggregate.SumInRange(list, aggregate.PeriodStart(aggregate.Week, today), today),
		Fortnightly:    fortnight,
		Monthly:        aggregate.SumInRange(list, aggregate.PeriodStart(aggregate.Month, today), today),
		Quota:          t.cfg.Quota,
		Remaining:      remaining,
		QuotaReached:   remaining == 0,
		Surplus:        surplus,
		FortnightBonus: amountOf(t.cfg.UnitBonus.Times(surplus)),
		Progress:       progress,
		TotalBonus:     amountOf(aggregate.BonusTotal(list, t.cfg.Quota, t.cfg.UnitBonus)),
		Degraded:       degraded,
	}
}

// Report summarizes the current month.
func (t *Tracker) Report() Report {
	list := t.Deliveries()
	monthStart := aggregate.PeriodStart(aggregate.Month, t.Today())
	stats := aggregate.ReportStats(list, monthStart)

	return Report{
		MonthStart:   monthStart,
		MonthTotal:   stats.MonthTotal,
		DaysWorked:   stats.DaysWorked,
		DailyAverage: stats.DailyAverage.StringFixed(1),
		BestDay:      stats.BestDay,
		TotalBonus:   amountOf(aggregate.BonusTotal(list, t.cfg.Quota, t.cfg.UnitBonus)),
	}
}

// History lists every delivery, newest date first.
func (t *Tracker) History() []HistoryItem {
	list := t.Deliveries()
	items := make([]HistoryItem, 0, len(list))
	for _, d := range list {
		items = append(items, HistoryItem{
			ID:       d.ID,
			Date:     d.Date,
			Display:  d.Date.Format("02/01/2006"),
			Quantity: d.Quantity,
		})
	}
	return items
}

// Export renders the backup document and the file name it should be saved as.
func (t *Tracker) Export(ctx context.Context) ([]byte, string, error) {
	now := t.now()
	doc := ExportDocument{
		Deliveries: t.Deliveries(),
		ExportedAt: now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Version:    ExportVersion,
	}
	if doc.Deliveries == nil {
		doc.Deliveries = []core.Delivery{}
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode export: %w", err)
	}

	filename := fmt.Sprintf("entregas-backup-%s.json", core.DateOf(now.UTC()).String())
	t.logger.InfoContext(ctx, "Backup exported",
		log.FieldOperation, log.OpExport,
		log.FieldCount, len(doc.Deliveries))
	return body, filename, nil
}
